package recognize

import (
	"errors"
	"fmt"

	"github.com/MrWong99/callscribe/pkg/types"
)

// ErrDrainTimeout is wrapped when an engine does not deliver its last
// results within Config.DrainTimeout after the stream was closed.
var ErrDrainTimeout = errors.New("recognize: engine did not drain in time")

// ErrStreamEnded is wrapped when an engine closes its result channels while
// the adapter is still listening.
var ErrStreamEnded = errors.New("recognize: engine stream ended unexpectedly")

// RecognitionError reports a failure of the recognition engine for one
// channel. The adapter returns to Idle after it.
type RecognitionError struct {
	Role types.ChannelRole
	// Op is one of "start", "send", "stream", "finalize".
	Op  string
	Err error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognize: %s: %s: %v", e.Role, e.Op, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

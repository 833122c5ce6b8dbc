// Package wssink broadcasts transcription events to websocket subscribers.
//
// A [Hub] is both an emit.Sink and an [http.Handler]: mount it on a route
// and every connected client receives each event as a JSON text message.
// Clients may narrow the stream with query parameters:
//
//	GET /v1/events?channel=counterpart&finals=true
//
// A client that cannot keep up is disconnected rather than allowed to slow
// the pipeline.
package wssink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callscribe/pkg/types"
)

// DefaultBuffer is the per-client queue length.
const DefaultBuffer = 64

const writeTimeout = 5 * time.Second

type subscriber struct {
	msgs       chan []byte
	channel    types.ChannelRole
	finalsOnly bool
	dropped    func()
}

func (s *subscriber) wants(ev types.TranscriptionEvent) bool {
	if s.finalsOnly && !ev.IsFinal {
		return false
	}
	return s.channel == "" || s.channel == ev.Channel
}

// Hub fans events out to websocket clients. Safe for concurrent use.
type Hub struct {
	buffer         int
	originPatterns []string

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	done   chan struct{}
}

// Option configures a [Hub].
type Option func(*Hub)

// WithBuffer sets the per-client queue length.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.originPatterns = patterns }
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer: DefaultBuffer,
		subs:   make(map[*subscriber]struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Name implements emit.Named.
func (h *Hub) Name() string { return "websocket" }

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Deliver implements emit.Sink. It never blocks on a client.
func (h *Hub) Deliver(_ context.Context, ev types.TranscriptionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("wssink: hub closed")
	}
	for s := range h.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.msgs <- data:
		default:
			s.dropped()
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := types.ChannelRole(q.Get("channel"))
	if channel != "" && channel != types.RolePrimary && channel != types.RoleCounterpart {
		http.Error(w, "channel must be primary or counterpart", http.StatusBadRequest)
		return
	}
	finals, _ := strconv.ParseBool(q.Get("finals"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		slog.Warn("wssink: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	var slow sync.Once
	s := &subscriber{
		msgs:       make(chan []byte, h.buffer),
		channel:    channel,
		finalsOnly: finals,
		dropped: func() {
			slow.Do(func() {
				go conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			})
		},
	}
	if !h.add(s) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(s)
	slog.Debug("wssink: subscriber connected", "remote", r.RemoteAddr, "channel", channel, "finals", finals)

	for {
		select {
		case data := <-s.msgs:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("wssink: subscriber gone", "remote", r.RemoteAddr, "err", err)
				return
			}
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	return true
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Close disconnects every client. Further deliveries fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	return nil
}

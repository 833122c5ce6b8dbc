// Package natssink publishes transcription events to NATS as JSON. Each event
// goes to "<subject>.<channel>", so consumers can subscribe to one side of
// the conversation or to "<subject>.>" for both.
package natssink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/callscribe/pkg/types"
)

// DefaultSubject is the subject prefix used when Config.Subject is empty.
const DefaultSubject = "callscribe.transcripts"

// Config configures a [Sink].
type Config struct {
	// Servers lists NATS URLs. Required.
	Servers []string

	// Subject is the prefix events are published under.
	Subject string

	// ConnectTimeout bounds the initial connection. Default: 2s.
	ConnectTimeout time.Duration

	Username    string
	Password    string
	Token       string
	TLSInsecure bool
}

// Sink publishes events on a NATS connection.
type Sink struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// Connect dials NATS and returns a Sink.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (*Sink, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("natssink: no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < cfg.ConnectTimeout {
			cfg.ConnectTimeout = d
		}
	}

	options := []nats.Option{
		nats.Name("callscribe"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("natssink: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("natssink: reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("natssink: connect: %w", err)
	}
	log.Info("natssink: connected", "servers", url, "subject", cfg.Subject)

	return &Sink{conn: conn, subject: cfg.Subject, log: log}, nil
}

// Name implements emit.Named.
func (s *Sink) Name() string { return "nats" }

// Subject returns the subject ev is published on.
func (s *Sink) Subject(ev types.TranscriptionEvent) string {
	return Subject(s.subject, ev.Channel)
}

// Subject joins prefix and the channel role.
func Subject(prefix string, role types.ChannelRole) string {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return prefix + "." + string(role)
}

// Deliver implements emit.Sink. The message is handed to the client's
// outbound buffer; transport failures surface through the connection status.
func (s *Sink) Deliver(ctx context.Context, ev types.TranscriptionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Healthy() {
		return fmt.Errorf("natssink: connection %s", s.conn.Status())
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natssink: marshal: %w", err)
	}
	msg := nats.NewMsg(s.Subject(ev))
	msg.Data = data
	msg.Header.Set("Callscribe-Session", ev.SessionID)
	msg.Header.Set("Callscribe-Event", ev.EventID)
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("natssink: publish: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (s *Sink) Healthy() bool {
	return s != nil && s.conn != nil && s.conn.Status() == nats.CONNECTED
}

// Check implements a readiness probe.
func (s *Sink) Check(context.Context) error {
	if !s.Healthy() {
		return errors.New("nats not connected")
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (s *Sink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.log.Info("natssink: closing connection")
	if err := s.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.conn.Close()
		return fmt.Errorf("natssink: drain: %w", err)
	}
	return nil
}

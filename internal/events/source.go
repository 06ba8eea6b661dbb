// Package events streams live conversation events from the messaging
// service over a websocket and feeds them to the engine. The stream is
// delivery-ordered per conversation but may drop messages across
// disconnects; the engine's gap repair covers whatever the stream
// misses.
package events

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/url"
	"time"

	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/remote"
	"github.com/talkwire/chatkit/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Handler consumes one decoded event.
type Handler func(ctx context.Context, ev chat.Event) error

// Config configures the event source.
type Config struct {
	// URL is the websocket endpoint; Token authenticates the stream.
	URL   string
	Token string

	ReconnectBaseDelay time.Duration // default 1s
	ReconnectMaxDelay  time.Duration // default 30s
	// MaxReconnectAttempts bounds consecutive failed dials; 0 means
	// retry forever.
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	return c
}

// envelope is the wire frame of the stream.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Source owns the websocket connection and its reconnect loop.
type Source struct {
	cfg     Config
	handler Handler
	machine *status.Machine
	logger  *zap.Logger

	// OnConnected runs after every successful (re)connect, before the
	// read loop starts. The daemon uses it to run a synchronize pass
	// that repairs whatever the dropped stream missed.
	OnConnected func(ctx context.Context) error

	// dial and sleep are injectable for tests.
	dial  func(ctx context.Context) (*websocket.Conn, error)
	sleep func(ctx context.Context, d time.Duration)

	attempt int
}

// NewSource creates a source. machine may be nil.
func NewSource(cfg Config, handler Handler, machine *status.Machine, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{
		cfg:     cfg.withDefaults(),
		handler: handler,
		machine: machine,
		logger:  logger,
	}
	s.dial = s.dialWebsocket
	s.sleep = func(ctx context.Context, d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
	return s
}

func (s *Source) dialWebsocket(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", s.cfg.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	return conn, err
}

// Run connects and consumes the stream until ctx is cancelled or the
// reconnect budget is exhausted. Blocking; the daemon runs it in a
// goroutine.
func (s *Source) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.transition(status.Connecting)

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("event stream dial failed", zap.Error(err))
			if !s.backoff(ctx) {
				s.transition(status.Error)
				return err
			}
			continue
		}
		s.attempt = 0

		if s.OnConnected != nil {
			s.transition(status.Syncing)
			if err := s.OnConnected(ctx); err != nil {
				s.logger.Error("post-connect sync failed", zap.Error(err))
				conn.Close(websocket.StatusInternalError, "sync failed")
				s.transition(status.Degraded)
				if !s.backoff(ctx) {
					return err
				}
				continue
			}
		}
		s.transition(status.Ready)

		err = s.readLoop(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("event stream dropped", zap.Error(err))
		s.transition(status.Reconnecting)
		if !s.backoff(ctx) {
			s.transition(status.Error)
			return err
		}
	}
}

func (s *Source) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		switch env.Type {
		case "event":
			var payload remote.EventPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				s.logger.Warn("undecodable event dropped", zap.Error(err))
				continue
			}
			ev := payload.Event()
			if ev.Kind == chat.EventUnknown {
				s.logger.Warn("unknown event kind dropped", zap.String("kind", payload.Kind))
				continue
			}
			if err := s.handler(ctx, ev); err != nil {
				s.logger.Error("event handling failed",
					zap.String("conversation_id", ev.ConversationID),
					zap.Int64("event_id", ev.EventID),
					zap.Error(err))
			}
		case "ping", "pong":
			// Keepalive frames, nothing to do.
		default:
			s.logger.Debug("unhandled frame type", zap.String("type", env.Type))
		}
	}
}

// backoff waits the next reconnect delay. Returns false once the attempt
// budget is exhausted or ctx is cancelled.
func (s *Source) backoff(ctx context.Context) bool {
	if s.cfg.MaxReconnectAttempts > 0 && s.attempt >= s.cfg.MaxReconnectAttempts {
		return false
	}
	delay := s.nextDelay()
	s.logger.Info("reconnecting to event stream",
		zap.Int("attempt", s.attempt),
		zap.Duration("delay", delay))
	s.sleep(ctx, delay)
	return ctx.Err() == nil
}

// nextDelay grows exponentially from the base delay with up to 50%
// jitter, capped at the max delay.
func (s *Source) nextDelay() time.Duration {
	base := float64(s.cfg.ReconnectBaseDelay)
	jitter := rand.Float64() * base * 0.5
	delay := time.Duration(math.Min(
		base*math.Pow(2, float64(s.attempt))+jitter,
		float64(s.cfg.ReconnectMaxDelay),
	))
	s.attempt++
	return delay
}

func (s *Source) transition(to status.State) {
	if s.machine == nil {
		return
	}
	if err := s.machine.Transition(to); err != nil {
		s.logger.Debug("status transition skipped", zap.Error(err))
	}
}

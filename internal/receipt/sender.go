// Package receipt delivers fire-and-forget delivered acknowledgements.
// Event application queues a receipt whenever a foreign message is
// applied; the sender drains the queue in the background and batches one
// status-update call per conversation. Failures are logged, never
// propagated — a later page fetch re-acknowledges anything missed.
package receipt

import (
	"context"
	"sync"
	"time"

	"github.com/talkwire/chatkit/internal/bus"
	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/remote"
	"go.uber.org/zap"
)

// Receipt is one pending delivered acknowledgement.
type Receipt struct {
	ConversationID string
	MessageID      string
	ProfileID      string
	Timestamp      int64
}

// Sender batches and sends queued receipts.
type Sender struct {
	remote   remote.Service
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc

	mu      sync.Mutex
	pending []Receipt
}

// NewSender creates a receipt sender draining every interval. A zero
// interval defaults to 500ms.
func NewSender(svc remote.Service, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sender{remote: svc, bus: b, logger: logger, interval: interval}
}

// Enqueue adds a receipt to the queue. Never blocks, never fails.
func (s *Sender) Enqueue(r Receipt) {
	s.mu.Lock()
	s.pending = append(s.pending, r)
	s.mu.Unlock()
}

// Start begins the drain loop.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the drain loop. Queued receipts are dropped; they will be
// re-acknowledged on the next page fetch.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush sends everything currently queued, one batch per conversation.
func (s *Sender) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	byConversation := make(map[string][]remote.StatusUpdate)
	for _, r := range batch {
		byConversation[r.ConversationID] = append(byConversation[r.ConversationID], remote.StatusUpdate{
			MessageID: r.MessageID,
			ProfileID: r.ProfileID,
			Status:    chat.StatusDelivered,
			Timestamp: r.Timestamp,
		})
	}

	for conversationID, updates := range byConversation {
		if err := s.remote.SendStatusUpdates(ctx, conversationID, updates); err != nil {
			s.logger.Warn("delivered receipt failed",
				zap.String("conversation_id", conversationID),
				zap.Int("count", len(updates)),
				zap.Error(err))
			if s.bus != nil {
				s.bus.Publish(bus.NewEvent(bus.KindReceiptFailed, map[string]string{
					"conversation_id": conversationID,
					"error":           err.Error(),
				}))
			}
			continue
		}
		if s.bus != nil {
			s.bus.Publish(bus.NewEvent(bus.KindReceiptSent, map[string]any{
				"conversation_id": conversationID,
				"count":           len(updates),
			}))
		}
	}
}

// Package engine implements the chat synchronization engine: the
// conversation reconciler, the gap detection and repair state machine,
// and the public SDK surface. Every operation that touches the store
// runs through one strict-FIFO gate, so the engine has a single writer
// at all times.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/talkwire/chatkit/internal/bus"
	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/gate"
	"github.com/talkwire/chatkit/internal/pager"
	"github.com/talkwire/chatkit/internal/receipt"
	"github.com/talkwire/chatkit/internal/remote"
	"go.uber.org/zap"
)

// Config carries the integrator-tunable knobs.
type Config struct {
	// EventPageSize is the page size of the gap-fill event loop.
	EventPageSize int
	// MessagePageSize is the page size for message history loads.
	MessagePageSize int
	// LazyLoadThreshold caps how many conversations a synchronize pass
	// loads message history for, most recently active first.
	LazyLoadThreshold int
	// MaxEventGap is the largest leading-edge gap repaired by event
	// paging; anything larger reloads the newest message page instead.
	MaxEventGap int64
	// GetConversationSleepTimeout and GetConversationMaxRetry drive the
	// retry loop for the read-after-write lag on freshly created
	// conversations.
	GetConversationSleepTimeout time.Duration
	GetConversationMaxRetry     int
}

func (c Config) withDefaults() Config {
	if c.EventPageSize <= 0 {
		c.EventPageSize = 10
	}
	if c.MessagePageSize <= 0 {
		c.MessagePageSize = 50
	}
	if c.LazyLoadThreshold <= 0 {
		c.LazyLoadThreshold = 10
	}
	if c.MaxEventGap <= 0 {
		c.MaxEventGap = 100
	}
	if c.GetConversationSleepTimeout <= 0 {
		c.GetConversationSleepTimeout = time.Second
	}
	if c.GetConversationMaxRetry <= 0 {
		c.GetConversationMaxRetry = 3
	}
	return c
}

// Engine keeps the local conversation store eventually consistent with
// the remote messaging service.
type Engine struct {
	cfg      Config
	store    chat.ConversationStore
	orphans  chat.OrphanCache
	remote   remote.Service
	pager    *pager.Pager
	gate     *gate.Gate
	receipts *receipt.Sender
	bus      *bus.Bus
	logger   *zap.Logger

	// sleep and now are injectable for tests.
	sleep func(time.Duration)
	now   func() int64

	profileID string
}

// New creates an engine. receipts and b may be nil (no delivered
// receipts, no notifications); logger nil means no logging.
func New(cfg Config, store chat.ConversationStore, orphans chat.OrphanCache, svc remote.Service, receipts *receipt.Sender, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		store:    store,
		orphans:  orphans,
		remote:   svc,
		pager:    pager.New(svc, orphans, logger),
		gate:     gate.New(),
		receipts: receipts,
		bus:      b,
		logger:   logger,
		sleep:    time.Sleep,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// ProfileID returns the local profile identity, empty before the first
// session-starting operation.
func (e *Engine) ProfileID() string {
	return e.profileID
}

// ensureSession learns the local profile identity on first use.
func (e *Engine) ensureSession(ctx context.Context) error {
	if e.profileID != "" {
		return nil
	}
	sess, err := e.remote.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	e.profileID = sess.ProfileID
	e.logger.Info("session established", zap.String("profile_id", e.profileID))
	return nil
}

// GetConversations returns the locally cached conversations, most
// recently active first.
func (e *Engine) GetConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	err := e.gate.Run(func() error {
		convs, err := e.store.ListConversations()
		if err != nil {
			return err
		}
		sortByActivity(convs)
		out = convs
		return nil
	})
	return out, err
}

// Detail is a conversation with its locally resident messages.
type Detail struct {
	Conversation chat.Conversation
	Messages     []chat.Message
}

// GetConversationDetail returns one conversation and its messages,
// refreshing from the remote service first when the cached record is
// stale (eTag or latest event drift) or missing entirely.
func (e *Engine) GetConversationDetail(ctx context.Context, id string) (*Detail, error) {
	var out *Detail
	err := e.gate.Run(func() error {
		if err := e.ensureSession(ctx); err != nil {
			return err
		}
		conv, err := e.store.GetConversation(id)
		if err != nil {
			return err
		}
		if conv == nil {
			if conv, err = e.adoptConversation(ctx, id); err != nil {
				return err
			}
		} else {
			rc, err := e.remote.GetConversation(ctx, id)
			if err != nil {
				return err
			}
			if conversationStale(conv, rc) {
				refreshConversation(conv, rc)
				if err := e.saveConversation(conv); err != nil {
					return err
				}
			}
			if _, err := e.synchronizeConversation(ctx, conv); err != nil {
				return err
			}
		}
		msgs, err := e.store.ListMessages(id)
		if err != nil {
			return err
		}
		out = &Detail{Conversation: *conv, Messages: msgs}
		return nil
	})
	return out, err
}

// GetPreviousMessages loads the next-older page of history for a
// conversation and persists it.
func (e *Engine) GetPreviousMessages(ctx context.Context, id string) ([]chat.Message, error) {
	var out []chat.Message
	err := e.gate.Run(func() error {
		if err := e.ensureSession(ctx); err != nil {
			return err
		}
		conv, err := e.store.GetConversation(id)
		if err != nil {
			return err
		}
		if conv == nil {
			return &chat.NotFoundError{Kind: "conversation", ID: id}
		}

		page, err := e.pager.GetMessages(ctx, id, e.cfg.MessagePageSize, conv.ContinuationToken)
		if err != nil {
			return err
		}
		if err := e.persistPage(ctx, conv, page); err != nil {
			return err
		}
		out = page.Messages
		return nil
	})
	return out, err
}

// SendMessage sends a message and applies the ack locally. The local
// progress cursor advances only for a contiguous ack.
func (e *Engine) SendMessage(ctx context.Context, id string, parts []chat.Part, metadata map[string]string) (*chat.Message, error) {
	var out *chat.Message
	err := e.gate.Run(func() error {
		if err := e.ensureSession(ctx); err != nil {
			return err
		}
		conv, err := e.store.GetConversation(id)
		if err != nil {
			return err
		}
		if conv == nil {
			if conv, err = e.adoptConversation(ctx, id); err != nil {
				return err
			}
		}

		res, err := e.remote.SendMessage(ctx, id, parts, metadata)
		if err != nil {
			return err
		}
		m := &chat.Message{
			ID:             res.MessageID,
			ConversationID: id,
			SenderID:       e.profileID,
			SentOn:         e.now(),
			SentEventID:    res.EventID,
			Parts:          parts,
			Metadata:       metadata,
		}
		if err := e.store.UpsertMessage(m); err != nil {
			return err
		}

		// The ack's sequence may sit ahead of the local cursor when other
		// members sent messages that have not come over the stream yet.
		// The local cursor only moves for a contiguous ack; otherwise just
		// the remote high-water mark rises and the gap ladder pages the
		// hole in.
		if conv.LatestLocalEventID == nil || res.EventID <= *conv.LatestLocalEventID+1 {
			advanceBounds(conv, res.EventID)
		} else if conv.LatestRemoteEventID == nil || res.EventID > *conv.LatestRemoteEventID {
			conv.LatestRemoteEventID = chat.Int64(res.EventID)
		}
		conv.LastMessageTimestamp = m.SentOn
		if err := e.saveConversation(conv); err != nil {
			return err
		}
		e.publish(bus.KindMessageUpserted, map[string]string{
			"conversation_id": id, "message_id": m.ID,
		})
		out = m
		return nil
	})
	return out, err
}

// MarkMessagesRead sends one batched read acknowledgement for the given
// messages and applies it locally. ErrNotFound if any message is not
// resident.
func (e *Engine) MarkMessagesRead(ctx context.Context, id string, messageIDs []string) error {
	return e.gate.Run(func() error {
		return e.markRead(ctx, id, messageIDs)
	})
}

// MarkAllRead marks every resident foreign message in the conversation
// as read.
func (e *Engine) MarkAllRead(ctx context.Context, id string) error {
	return e.gate.Run(func() error {
		if err := e.ensureSession(ctx); err != nil {
			return err
		}
		msgs, err := e.store.ListMessages(id)
		if err != nil {
			return err
		}
		var ids []string
		for i := range msgs {
			m := &msgs[i]
			if m.SenderID == e.profileID {
				continue
			}
			if ack, ok := m.StatusUpdates[e.profileID]; ok && ack.Status == chat.StatusRead {
				continue
			}
			ids = append(ids, m.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		return e.markRead(ctx, id, ids)
	})
}

func (e *Engine) markRead(ctx context.Context, id string, messageIDs []string) error {
	if err := e.ensureSession(ctx); err != nil {
		return err
	}
	ts := e.now()
	msgs := make([]*chat.Message, 0, len(messageIDs))
	updates := make([]remote.StatusUpdate, 0, len(messageIDs))
	for _, messageID := range messageIDs {
		m, err := e.store.GetMessage(id, messageID)
		if err != nil {
			return err
		}
		if m == nil {
			return &chat.NotFoundError{Kind: "message", ID: messageID}
		}
		msgs = append(msgs, m)
		updates = append(updates, remote.StatusUpdate{
			MessageID: messageID,
			ProfileID: e.profileID,
			Status:    chat.StatusRead,
			Timestamp: ts,
		})
	}
	if len(updates) == 0 {
		return nil
	}
	if err := e.remote.SendStatusUpdates(ctx, id, updates); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ApplyStatus(e.profileID, chat.StatusUpdate{Status: chat.StatusRead, Timestamp: ts}) {
			if err := e.store.UpdateMessage(m); err != nil {
				return err
			}
		}
	}
	e.publish(bus.KindMessageStatus, map[string]any{
		"conversation_id": id, "count": len(updates), "status": string(chat.StatusRead),
	})
	return nil
}

// CreateConversation creates a conversation remotely and caches it. The
// remote service may lag its own writes, so the follow-up read retries.
func (e *Engine) CreateConversation(ctx context.Context, details remote.ConversationDetails) (*chat.Conversation, error) {
	var out *chat.Conversation
	err := e.gate.Run(func() error {
		if err := e.ensureSession(ctx); err != nil {
			return err
		}
		rc, err := e.remote.CreateConversation(ctx, details)
		if err != nil {
			return err
		}
		conv, err := e.adoptConversation(ctx, rc.ID)
		if err != nil {
			return err
		}
		out = conv
		return nil
	})
	return out, err
}

// UpdateConversation updates conversation metadata remotely and
// refreshes the cached projection.
func (e *Engine) UpdateConversation(ctx context.Context, details remote.ConversationDetails) (*chat.Conversation, error) {
	var out *chat.Conversation
	err := e.gate.Run(func() error {
		if err := e.ensureSession(ctx); err != nil {
			return err
		}
		rc, err := e.remote.UpdateConversation(ctx, details)
		if err != nil {
			return err
		}
		conv, err := e.store.GetConversation(rc.ID)
		if err != nil {
			return err
		}
		if conv == nil {
			conv = mapConversation(rc)
			if err := e.store.PutConversation(conv); err != nil {
				return err
			}
		} else {
			refreshConversation(conv, rc)
			if err := e.saveConversation(conv); err != nil {
				return err
			}
		}
		e.publish(bus.KindConversationUpdated, map[string]string{"conversation_id": conv.ID})
		out = conv
		return nil
	})
	return out, err
}

// DeleteConversation deletes remotely and locally.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	return e.gate.Run(func() error {
		if err := e.ensureSession(ctx); err != nil {
			return err
		}
		if err := e.remote.DeleteConversation(ctx, id); err != nil {
			return err
		}
		return e.dropConversation(id)
	})
}

// GetParticipants lists a conversation's participants from the remote
// service.
func (e *Engine) GetParticipants(ctx context.Context, id string) ([]chat.Participant, error) {
	var out []chat.Participant
	err := e.gate.Run(func() error {
		var err error
		out, err = e.remote.GetParticipants(ctx, id)
		return err
	})
	return out, err
}

// AddParticipants adds members to a conversation.
func (e *Engine) AddParticipants(ctx context.Context, id string, profileIDs []string) error {
	return e.gate.Run(func() error {
		return e.remote.AddParticipants(ctx, id, profileIDs)
	})
}

// RemoveParticipants removes members from a conversation.
func (e *Engine) RemoveParticipants(ctx context.Context, id string, profileIDs []string) error {
	return e.gate.Run(func() error {
		return e.remote.RemoveParticipants(ctx, id, profileIDs)
	})
}

// Reset wipes the local cache. Used at session end.
func (e *Engine) Reset() error {
	return e.gate.Run(func() error {
		if err := e.orphans.ClearAll(); err != nil {
			return err
		}
		if err := e.store.Reset(); err != nil {
			return err
		}
		e.profileID = ""
		return nil
	})
}

// dropConversation removes a conversation, its messages and its orphan
// bucket from the local cache.
func (e *Engine) dropConversation(id string) error {
	if err := e.store.DeleteMessages(id); err != nil {
		return err
	}
	if err := e.store.DeleteConversation(id); err != nil {
		return err
	}
	if err := e.orphans.Clear(id); err != nil {
		return err
	}
	e.publish(bus.KindConversationDeleted, map[string]string{"conversation_id": id})
	return nil
}

// saveConversation updates a record, creating it when missing.
func (e *Engine) saveConversation(conv *chat.Conversation) error {
	err := e.store.UpdateConversation(conv)
	if err == nil {
		return nil
	}
	if putErr := e.store.PutConversation(conv); putErr == nil {
		return nil
	}
	return err
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus != nil {
		e.bus.Publish(bus.NewEvent(kind, payload))
	}
}

// sortByActivity orders conversations most recently active first; ties
// break on id so the order is deterministic.
func sortByActivity(convs []chat.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].LastMessageTimestamp != convs[j].LastMessageTimestamp {
			return convs[i].LastMessageTimestamp > convs[j].LastMessageTimestamp
		}
		return convs[i].ID < convs[j].ID
	})
}

// advanceBounds widens the local contiguous range to include eventID and
// keeps the remote high-water mark at least as high.
func advanceBounds(conv *chat.Conversation, eventID int64) {
	if conv.EarliestLocalEventID == nil {
		conv.EarliestLocalEventID = chat.Int64(eventID)
	}
	if conv.LatestLocalEventID == nil || eventID > *conv.LatestLocalEventID {
		conv.LatestLocalEventID = chat.Int64(eventID)
	}
	if conv.LatestRemoteEventID == nil || eventID > *conv.LatestRemoteEventID {
		conv.LatestRemoteEventID = chat.Int64(eventID)
	}
}

// Package pager loads a conversation's message history page by page and
// reconciles orphaned status-update events against each fetched page.
package pager

import (
	"context"
	"fmt"

	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/remote"
	"go.uber.org/zap"
)

// Page is the result of one GetMessages call.
type Page struct {
	ContinuationToken int64
	EarliestEventID   int64
	LatestEventID     int64
	Messages          []chat.Message
}

// Pager fetches message pages and replays the orphan cache against them.
type Pager struct {
	remote  remote.Service
	orphans chat.OrphanCache
	logger  *zap.Logger
}

// New creates a pager.
func New(svc remote.Service, orphans chat.OrphanCache, logger *zap.Logger) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager{remote: svc, orphans: orphans, logger: logger}
}

// GetMessages fetches one page of history for a conversation.
//
// A nil token starts over from the most recent page and resets the
// orphan cache for the conversation. A supplied token must match the
// cached cursor exactly (ErrInvalidContinuationToken otherwise); a token
// <= 0 means history is already fully paged (ErrExhaustedPaging).
func (p *Pager) GetMessages(ctx context.Context, conversationID string, pageSize int, token *int64) (*Page, error) {
	if token != nil && *token <= 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, chat.ErrExhaustedPaging)
	}

	if token == nil {
		// Fresh start from the newest page: stale orphans refer to the
		// previous paging run and would never find their targets.
		if err := p.orphans.Clear(conversationID); err != nil {
			return nil, fmt.Errorf("reset orphan cache: %w", err)
		}
	} else {
		cached, err := p.orphans.ContinuationToken(conversationID)
		if err != nil {
			return nil, fmt.Errorf("read cursor: %w", err)
		}
		if cached == nil || *cached != *token {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, chat.ErrInvalidContinuationToken)
		}
	}

	remotePage, err := p.remote.GetMessagesPage(ctx, conversationID, pageSize, token)
	if err != nil {
		return nil, err
	}

	if len(remotePage.OrphanedEvents) > 0 {
		if err := p.orphans.AddOrphans(conversationID, remotePage.OrphanedEvents); err != nil {
			return nil, fmt.Errorf("buffer orphans: %w", err)
		}
	}
	if err := p.replayOrphans(conversationID, remotePage.Messages); err != nil {
		return nil, err
	}

	next := remotePage.EarliestEventID - 1
	if err := p.orphans.SetContinuationToken(conversationID, &next); err != nil {
		return nil, fmt.Errorf("persist cursor: %w", err)
	}

	return &Page{
		ContinuationToken: next,
		EarliestEventID:   remotePage.EarliestEventID,
		LatestEventID:     remotePage.LatestEventID,
		Messages:          remotePage.Messages,
	}, nil
}

// replayOrphans applies every buffered status update whose target is in
// the page, removing applied entries. Unmatched entries stay buffered
// for an older page.
func (p *Pager) replayOrphans(conversationID string, msgs []chat.Message) error {
	buffered, err := p.orphans.ListOrphans(conversationID)
	if err != nil {
		return fmt.Errorf("list orphans: %w", err)
	}
	for _, ev := range buffered {
		target := -1
		for i := range msgs {
			if msgs[i].ID == ev.MessageID {
				target = i
				break
			}
		}
		if target < 0 {
			continue
		}
		msgs[target].ApplyStatus(ev.ProfileID, ev.Status())
		if err := p.orphans.RemoveOrphan(conversationID, ev.EventID); err != nil {
			return fmt.Errorf("remove orphan: %w", err)
		}
		p.logger.Debug("orphaned status applied",
			zap.String("conversation_id", conversationID),
			zap.String("message_id", ev.MessageID),
			zap.Int64("event_id", ev.EventID))
	}
	return nil
}

// MarkDelivered sends one batched delivered acknowledgement for every
// message in msgs not authored by selfProfileID and not already
// acknowledged by it. Resolves trivially when nothing qualifies. Every
// page fetched through the engine acknowledges receipt this way.
func (p *Pager) MarkDelivered(ctx context.Context, conversationID string, msgs []chat.Message, selfProfileID string, now int64) error {
	var updates []remote.StatusUpdate
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == selfProfileID || m.AckedBy(selfProfileID) {
			continue
		}
		updates = append(updates, remote.StatusUpdate{
			MessageID: m.ID,
			ProfileID: selfProfileID,
			Status:    chat.StatusDelivered,
			Timestamp: now,
		})
	}
	if len(updates) == 0 {
		return nil
	}
	return p.remote.SendStatusUpdates(ctx, conversationID, updates)
}

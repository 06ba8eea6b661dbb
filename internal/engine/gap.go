package engine

import (
	"context"

	"github.com/talkwire/chatkit/internal/chat"
	"go.uber.org/zap"
)

// synchronizeConversation brings one conversation's message history up to
// the remote high-water mark. Returns whether any repair ran.
//
// The decision ladder:
//
//	no remote events yet        -> nothing to do
//	never loaded a page         -> first load
//	caught up                   -> nothing to do
//	gap >= MaxEventGap          -> reload newest page, discard history
//	otherwise                   -> fill the gap by paging events
func (e *Engine) synchronizeConversation(ctx context.Context, conv *chat.Conversation) (bool, error) {
	if conv.LatestRemoteEventID == nil {
		return false, nil
	}
	if conv.ContinuationToken == nil || conv.LatestLocalEventID == nil {
		return true, e.firstLoad(ctx, conv)
	}

	local := *conv.LatestLocalEventID
	remoteSeq := *conv.LatestRemoteEventID
	if local >= remoteSeq {
		return false, nil
	}

	gap := remoteSeq - (local + 1)
	if gap >= e.cfg.MaxEventGap {
		e.logger.Info("event gap exceeds repair limit, reloading",
			zap.String("conversation_id", conv.ID),
			zap.Int64("gap", gap))
		return true, e.reload(ctx, conv, nil)
	}
	return true, e.fillGap(ctx, conv)
}

// firstLoad fetches the newest message page for a conversation that has
// no paging state yet.
func (e *Engine) firstLoad(ctx context.Context, conv *chat.Conversation) error {
	page, err := e.pager.GetMessages(ctx, conv.ID, e.cfg.MessagePageSize, nil)
	if err != nil {
		return err
	}
	return e.persistPage(ctx, conv, page)
}

// fillGap pages conversation events forward from the local cursor and
// applies them in order. A fetch failure stops the loop but keeps the
// progress already applied; the next pass resumes from the new cursor.
func (e *Engine) fillGap(ctx context.Context, conv *chat.Conversation) error {
	var lastFrom int64 = -1
	for {
		if conv.LatestLocalEventID == nil {
			return nil
		}
		from := *conv.LatestLocalEventID + 1
		if from == lastFrom {
			// Nothing applied last round; bail rather than refetch the
			// same page forever.
			return nil
		}
		lastFrom = from
		events, err := e.remote.GetConversationEvents(ctx, conv.ID, from, e.cfg.EventPageSize)
		if err != nil {
			e.logger.Warn("gap fill fetch failed, keeping progress",
				zap.String("conversation_id", conv.ID),
				zap.Int64("from", from),
				zap.Error(err))
			return nil
		}
		if len(events) == 0 {
			return nil
		}
		for i := range events {
			if err := e.applyEvent(ctx, conv, &events[i]); err != nil {
				e.logger.Warn("event apply failed during gap fill",
					zap.String("conversation_id", conv.ID),
					zap.Int64("event_id", events[i].EventID),
					zap.Error(err))
				// The event is consumed either way; advance so the loop
				// does not refetch it.
				advanceBounds(conv, events[i].EventID)
				if err := e.saveConversation(conv); err != nil {
					return err
				}
			}
		}
		if len(events) < e.cfg.EventPageSize {
			return nil
		}
	}
}

// reload discards the conversation's local history and paging state and
// fetches the newest page from scratch. liveEventID, when set, is the
// sequence of the live event that triggered the reload; it raises the
// remote high-water mark so the decision ladder stays consistent.
func (e *Engine) reload(ctx context.Context, conv *chat.Conversation, liveEventID *int64) error {
	if err := e.store.DeleteMessages(conv.ID); err != nil {
		return err
	}
	if err := e.orphans.Clear(conv.ID); err != nil {
		return err
	}
	// The reset token is persisted before the refetch, so a failed page
	// load leaves the conversation visibly wiped rather than half-stale;
	// the nil local cursor routes the next pass back through firstLoad.
	conv.ContinuationToken = chat.Int64(-1)
	conv.EarliestLocalEventID = nil
	conv.LatestLocalEventID = nil
	if liveEventID != nil {
		if conv.LatestRemoteEventID == nil || *liveEventID > *conv.LatestRemoteEventID {
			conv.LatestRemoteEventID = chat.Int64(*liveEventID)
		}
	}
	if err := e.saveConversation(conv); err != nil {
		return err
	}
	return e.firstLoad(ctx, conv)
}

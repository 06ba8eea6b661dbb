package engine

import (
	"context"
	"fmt"

	"github.com/talkwire/chatkit/internal/bus"
	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/receipt"
	"go.uber.org/zap"
)

// applyEvent folds one message event into the local cache and advances
// the conversation's cursors. Callers have already decided the event
// belongs here; this only reports, never repairs, an out-of-order
// sequence.
func (e *Engine) applyEvent(ctx context.Context, conv *chat.Conversation, ev *chat.Event) error {
	if conv.LatestLocalEventID != nil && ev.EventID > *conv.LatestLocalEventID+1 {
		e.logger.Warn("non-contiguous event applied",
			zap.String("conversation_id", conv.ID),
			zap.Int64("event_id", ev.EventID),
			zap.Int64("latest_local", *conv.LatestLocalEventID))
		e.publish(bus.KindSyncGapDetected, map[string]any{
			"conversation_id": conv.ID,
			"event_id":        ev.EventID,
			"latest_local":    *conv.LatestLocalEventID,
		})
	}

	switch ev.Kind {
	case chat.EventMessageSent:
		m := ev.Message()
		if err := e.store.UpsertMessage(m); err != nil {
			return err
		}
		conv.LastMessageTimestamp = m.SentOn
		e.publish(bus.KindMessageUpserted, map[string]string{
			"conversation_id": conv.ID, "message_id": m.ID,
		})
		if e.receipts != nil && m.SenderID != e.profileID {
			e.receipts.Enqueue(receipt.Receipt{
				ConversationID: conv.ID,
				MessageID:      m.ID,
				ProfileID:      e.profileID,
				Timestamp:      e.now(),
			})
		}

	case chat.EventMessageDelivered, chat.EventMessageRead:
		m, err := e.store.GetMessage(conv.ID, ev.MessageID)
		if err != nil {
			return err
		}
		if m == nil {
			return &chat.NotFoundError{Kind: "message", ID: ev.MessageID}
		}
		if m.ApplyStatus(ev.ProfileID, ev.Status()) {
			if err := e.store.UpdateMessage(m); err != nil {
				return err
			}
			e.publish(bus.KindMessageStatus, map[string]any{
				"conversation_id": conv.ID,
				"message_id":      m.ID,
				"profile_id":      ev.ProfileID,
				"status":          string(ev.Status().Status),
			})
		}

	default:
		return fmt.Errorf("%w: %s", chat.ErrUnknownEventKind, ev.Kind)
	}

	advanceBounds(conv, ev.EventID)
	return e.saveConversation(conv)
}

// HandleEvent is the entry point for live events from the realtime
// stream. It routes conversation lifecycle events directly and message
// events through the gap decision ladder.
func (e *Engine) HandleEvent(ctx context.Context, ev chat.Event) error {
	return e.gate.Run(func() error {
		if err := e.ensureSession(ctx); err != nil {
			return err
		}
		switch ev.Kind {
		case chat.EventConversationDeleted:
			conv, err := e.store.GetConversation(ev.ConversationID)
			if err != nil {
				return err
			}
			if conv == nil {
				return nil
			}
			return e.dropConversation(ev.ConversationID)

		case chat.EventConversationUpdated:
			conv, err := e.store.GetConversation(ev.ConversationID)
			if err != nil {
				return err
			}
			if conv == nil {
				return nil
			}
			rc, err := e.remote.GetConversation(ctx, ev.ConversationID)
			if err != nil {
				return err
			}
			refreshConversation(conv, rc)
			if err := e.saveConversation(conv); err != nil {
				return err
			}
			e.publish(bus.KindConversationUpdated, map[string]string{"conversation_id": conv.ID})
			return nil

		case chat.EventParticipantAdded:
			if ev.ProfileID != e.profileID {
				return nil
			}
			_, err := e.adoptConversation(ctx, ev.ConversationID)
			return err

		case chat.EventParticipantRemoved:
			if ev.ProfileID != e.profileID {
				return nil
			}
			conv, err := e.store.GetConversation(ev.ConversationID)
			if err != nil {
				return err
			}
			if conv == nil {
				return nil
			}
			return e.dropConversation(ev.ConversationID)

		case chat.EventMessageSent, chat.EventMessageDelivered, chat.EventMessageRead:
			return e.handleMessageEvent(ctx, ev)

		default:
			return fmt.Errorf("%w: %s", chat.ErrUnknownEventKind, ev.Kind)
		}
	})
}

// handleMessageEvent runs the gap decision ladder for one live message
// event:
//
//	conversation unknown      -> adopt (the event arrives again via pages)
//	no paging state           -> first load
//	duplicate (seq <= local)  -> drop
//	contiguous                -> apply inline
//	gap >= MaxEventGap        -> reload newest page
//	otherwise                 -> fill the gap
func (e *Engine) handleMessageEvent(ctx context.Context, ev chat.Event) error {
	conv, err := e.store.GetConversation(ev.ConversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		_, err := e.adoptConversation(ctx, ev.ConversationID)
		return err
	}

	if conv.LatestRemoteEventID == nil || ev.EventID > *conv.LatestRemoteEventID {
		conv.LatestRemoteEventID = chat.Int64(ev.EventID)
	}

	if conv.ContinuationToken == nil {
		return e.firstLoad(ctx, conv)
	}
	local := conv.LatestLocalEventID
	if local != nil && ev.EventID <= *local {
		e.logger.Debug("duplicate event dropped",
			zap.String("conversation_id", conv.ID),
			zap.Int64("event_id", ev.EventID))
		return nil
	}
	if local == nil || ev.EventID == *local+1 {
		return e.applyEvent(ctx, conv, &ev)
	}

	gap := ev.EventID - (*local + 1)
	if gap >= e.cfg.MaxEventGap {
		e.logger.Info("live event gap exceeds repair limit, reloading",
			zap.String("conversation_id", conv.ID),
			zap.Int64("gap", gap))
		return e.reload(ctx, conv, chat.Int64(ev.EventID))
	}
	return e.fillGap(ctx, conv)
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/talkwire/chatkit/internal/bus"
	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/pager"
	"github.com/talkwire/chatkit/internal/remote"
	"go.uber.org/zap"
)

// syncPlan is the three-set diff of one synchronization pass.
type syncPlan struct {
	toDelete []string
	toAdd    []chat.Conversation
	toUpdate []chat.Conversation
}

func (p syncPlan) empty() bool {
	return len(p.toDelete) == 0 && len(p.toAdd) == 0 && len(p.toUpdate) == 0
}

// Synchronize reconciles the full local conversation list against the
// remote authoritative list, then loads message history for the most
// recently active conversations up to the lazy-load threshold.
//
// The pass is idempotent; a failure part-way leaves the store partially
// advanced and the next pass converges on the remainder.
func (e *Engine) Synchronize(ctx context.Context) error {
	return e.gate.Run(func() error {
		return e.synchronize(ctx)
	})
}

func (e *Engine) synchronize(ctx context.Context) error {
	if err := e.ensureSession(ctx); err != nil {
		return err
	}
	e.publish(bus.KindSyncStarted, nil)

	remoteConvs, err := e.remote.GetConversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch remote conversations: %w", err)
	}
	localConvs, err := e.store.ListConversations()
	if err != nil {
		return fmt.Errorf("list local conversations: %w", err)
	}

	plan := buildPlan(localConvs, remoteConvs)
	e.logger.Info("sync plan computed",
		zap.Int("delete", len(plan.toDelete)),
		zap.Int("add", len(plan.toAdd)),
		zap.Int("update", len(plan.toUpdate)))

	// Deletes, then adds, then updates, sequentially: store backends
	// may not support concurrent mutation of overlapping keys.
	for _, id := range plan.toDelete {
		if err := e.dropConversation(id); err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
	}
	for i := range plan.toAdd {
		if err := e.store.PutConversation(&plan.toAdd[i]); err != nil {
			return fmt.Errorf("add conversation %s: %w", plan.toAdd[i].ID, err)
		}
		e.publish(bus.KindConversationAdded, map[string]string{"conversation_id": plan.toAdd[i].ID})
	}
	for i := range plan.toUpdate {
		if err := e.store.UpdateConversation(&plan.toUpdate[i]); err != nil {
			return fmt.Errorf("update conversation %s: %w", plan.toUpdate[i].ID, err)
		}
		e.publish(bus.KindConversationUpdated, map[string]string{"conversation_id": plan.toUpdate[i].ID})
	}

	// Lazy-load subset: survivors plus adds, most recently active first.
	working := make([]chat.Conversation, 0, len(localConvs)+len(plan.toAdd))
	deleted := make(map[string]bool, len(plan.toDelete))
	for _, id := range plan.toDelete {
		deleted[id] = true
	}
	updated := make(map[string]chat.Conversation, len(plan.toUpdate))
	for _, c := range plan.toUpdate {
		updated[c.ID] = c
	}
	for _, c := range localConvs {
		if deleted[c.ID] {
			continue
		}
		if u, ok := updated[c.ID]; ok {
			c = u
		}
		working = append(working, c)
	}
	working = append(working, plan.toAdd...)
	sortByActivity(working)

	limit := e.cfg.LazyLoadThreshold
	if limit > len(working) {
		limit = len(working)
	}
	for i := 0; i < limit; i++ {
		conv := working[i]
		if _, err := e.synchronizeConversation(ctx, &conv); err != nil {
			return fmt.Errorf("synchronize conversation %s: %w", conv.ID, err)
		}
	}

	e.publish(bus.KindSyncCompleted, nil)
	return nil
}

// buildPlan diffs the two lists. Local-only ids are deleted, remote-only
// records are added, and records present on both sides are updated when
// the remote's latest sent event id or eTag disagrees with the cache.
func buildPlan(local []chat.Conversation, remoteConvs []remote.Conversation) syncPlan {
	remoteByID := make(map[string]*remote.Conversation, len(remoteConvs))
	for i := range remoteConvs {
		remoteByID[remoteConvs[i].ID] = &remoteConvs[i]
	}
	localByID := make(map[string]bool, len(local))

	var plan syncPlan
	for i := range local {
		c := local[i]
		localByID[c.ID] = true
		rc, ok := remoteByID[c.ID]
		if !ok {
			plan.toDelete = append(plan.toDelete, c.ID)
			continue
		}
		if conversationStale(&c, rc) {
			refreshConversation(&c, rc)
			plan.toUpdate = append(plan.toUpdate, c)
		}
	}
	for i := range remoteConvs {
		if !localByID[remoteConvs[i].ID] {
			plan.toAdd = append(plan.toAdd, *mapConversation(&remoteConvs[i]))
		}
	}
	return plan
}

// conversationStale reports whether the cached projection disagrees with
// the remote record. ETags only count when both sides have one.
func conversationStale(c *chat.Conversation, rc *remote.Conversation) bool {
	if !int64PtrEqual(c.LatestRemoteEventID, rc.LatestSentEventID) {
		return true
	}
	if c.ETag != "" && rc.ETag != "" && c.ETag != rc.ETag {
		return true
	}
	return false
}

// refreshConversation copies the remote record's mutable fields into the
// local projection. Local progress cursors are never touched here: they
// only advance by applying events.
func refreshConversation(c *chat.Conversation, rc *remote.Conversation) {
	c.Name = rc.Name
	c.Description = rc.Description
	c.Roles = rc.Roles
	c.IsPublic = rc.IsPublic
	c.ETag = rc.ETag
	c.LatestRemoteEventID = copyInt64(rc.LatestSentEventID)
}

// mapConversation builds a fresh local projection from a remote record.
func mapConversation(rc *remote.Conversation) *chat.Conversation {
	return &chat.Conversation{
		ID:                   rc.ID,
		Name:                 rc.Name,
		Description:          rc.Description,
		Roles:                rc.Roles,
		IsPublic:             rc.IsPublic,
		ETag:                 rc.ETag,
		LastMessageTimestamp: rc.UpdatedOn,
		LatestRemoteEventID:  copyInt64(rc.LatestSentEventID),
	}
}

// adoptConversation fetches a conversation the cache has never seen,
// persists it and loads its first message page. The fetch retries the
// read-after-write window where a freshly created conversation is not
// yet queryable.
func (e *Engine) adoptConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	rc, err := e.getConversationWithRetry(ctx, id)
	if err != nil {
		return nil, err
	}
	conv := mapConversation(rc)
	if err := e.store.PutConversation(conv); err != nil {
		if !errors.Is(err, chat.ErrAlreadyExists) {
			return nil, err
		}
		if err := e.store.UpdateConversation(conv); err != nil {
			return nil, err
		}
	}
	e.publish(bus.KindConversationAdded, map[string]string{"conversation_id": id})

	if conv.LatestRemoteEventID != nil {
		if err := e.firstLoad(ctx, conv); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// getConversationWithRetry retries only the expected transient not-found
// condition; any other failure re-raises immediately, and exhausting the
// retries re-raises the original error.
func (e *Engine) getConversationWithRetry(ctx context.Context, id string) (*remote.Conversation, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.GetConversationMaxRetry; attempt++ {
		if attempt > 0 {
			e.sleep(e.cfg.GetConversationSleepTimeout)
		}
		rc, err := e.remote.GetConversation(ctx, id)
		if err == nil {
			return rc, nil
		}
		if !errors.Is(err, chat.ErrNotFound) {
			return nil, err
		}
		lastErr = err
		e.logger.Debug("conversation not yet queryable",
			zap.String("conversation_id", id),
			zap.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

// persistPage stores a fetched page, acknowledges receipt and folds the
// page bounds into the conversation record.
func (e *Engine) persistPage(ctx context.Context, conv *chat.Conversation, page *pager.Page) error {
	for i := range page.Messages {
		if err := e.store.UpsertMessage(&page.Messages[i]); err != nil {
			return err
		}
	}
	if err := e.pager.MarkDelivered(ctx, conv.ID, page.Messages, e.profileID, e.now()); err != nil {
		return err
	}

	conv.ContinuationToken = chat.Int64(page.ContinuationToken)
	if len(page.Messages) > 0 || page.LatestEventID > 0 {
		conv.EarliestLocalEventID = chat.Int64(page.EarliestEventID)
		if conv.LatestLocalEventID == nil || page.LatestEventID > *conv.LatestLocalEventID {
			conv.LatestLocalEventID = chat.Int64(page.LatestEventID)
		}
	}
	return e.saveConversation(conv)
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

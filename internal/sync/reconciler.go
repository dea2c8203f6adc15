package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/gigchat/internal/backend"
	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/connection"
	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/matheus3301/gigchat/internal/store"
	"go.uber.org/zap"
)

// CheckpointLastFullSync holds the RFC 3339 time of the last full refresh.
const CheckpointLastFullSync = "last_full_sync"

// Fetcher returns the full conversation list from the backend.
type Fetcher interface {
	FetchConversations(ctx context.Context) (*backend.ConversationList, error)
}

// Rejoiner re-subscribes the user to every conversation room.
type Rejoiner interface {
	Rejoin(ctx context.Context) error
}

// Refreshed is the payload of a sync.refreshed event.
type Refreshed struct {
	Conversations  int
	Unread         int
	ConversationID string
}

// Reconciler refetches the conversation list and makes it the store's
// contents, keeping a cached copy and sync checkpoints in SQLite.
type Reconciler struct {
	fetch  Fetcher
	convos *convo.Store
	db     *store.DB
	rejoin Rejoiner
	bus    *bus.Bus
	logger *zap.Logger

	// Refreshes are serialised so an older list never overwrites a newer one.
	mu sync.Mutex
}

// NewReconciler creates a reconciler. db and rejoin may be nil.
func NewReconciler(fetch Fetcher, convos *convo.Store, db *store.DB, rejoin Rejoiner, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		fetch:  fetch,
		convos: convos,
		db:     db,
		rejoin: rejoin,
		bus:    b,
		logger: logger.Named("sync"),
	}
}

// Refresh replaces the store with a freshly fetched list. A non-empty
// currentConvoID re-points the active conversation at it.
func (r *Reconciler) Refresh(ctx context.Context, currentConvoID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.fetch.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	r.convos.Replace(list.Conversations, currentConvoID)

	if r.db != nil {
		if err := r.db.SaveConversations(r.convos.CurrentUser(), list.Raw, list.IDs()); err != nil {
			r.logger.Warn("failed to cache conversations", zap.Error(err))
		}
		if err := r.UpdateCheckpoint(r.userKey(CheckpointLastFullSync), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			r.logger.Warn("failed to update checkpoint", zap.Error(err))
		}
	}
	if r.rejoin != nil {
		if err := r.rejoin.Rejoin(ctx); err != nil && !errors.Is(err, connection.ErrNotConnected) {
			r.logger.Warn("rejoin after refresh failed", zap.Error(err))
		}
	}

	unread := r.convos.UnreadTotal()
	r.logger.Debug("conversations refreshed",
		zap.Int("conversations", len(list.Conversations)),
		zap.Int("unread", unread),
		zap.String("current", currentConvoID))
	r.bus.Emit(bus.KindSyncRefreshed, Refreshed{
		Conversations:  len(list.Conversations),
		Unread:         unread,
		ConversationID: currentConvoID,
	})
	return nil
}

// WarmStart seeds a still-loading store from the cached list and returns
// how many conversations it loaded.
func (r *Reconciler) WarmStart() (int, error) {
	if r.db == nil || !r.convos.Loading() {
		return 0, nil
	}
	cached, err := r.db.LoadConversations(r.convos.CurrentUser())
	if err != nil {
		return 0, fmt.Errorf("load cache: %w", err)
	}
	if len(cached) == 0 {
		return 0, nil
	}
	raws := make([]protocol.Conversation, 0, len(cached))
	for _, c := range cached {
		var conv protocol.Conversation
		if err := json.Unmarshal(c.Raw, &conv); err != nil {
			r.logger.Warn("skipping corrupt cache row", zap.String("conversation_id", c.ID), zap.Error(err))
			continue
		}
		raws = append(raws, conv)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.convos.Loading() {
		return 0, nil
	}
	r.convos.Replace(raws, "")
	r.logger.Info("store warmed from cache", zap.Int("conversations", len(raws)))
	return len(raws), nil
}

// Seed installs the list sent with the realtime handshake. It waits for any
// refresh in flight so the two never interleave.
func (r *Reconciler) Seed(convos []protocol.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convos.Replace(convos, "")
}

// Forget drops the cached list and checkpoints of the store's user.
func (r *Reconciler) Forget() error {
	if r.db == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.ClearConversations(r.convos.CurrentUser()); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return r.db.DeleteSyncState(r.userKey(CheckpointLastFullSync))
}

func (r *Reconciler) userKey(key string) string {
	return key + ":" + r.convos.CurrentUser()
}

// LastFullSync returns when the last successful refresh finished.
func (r *Reconciler) LastFullSync() (time.Time, bool) {
	v, err := r.GetCheckpoint(r.userKey(CheckpointLastFullSync))
	if err != nil || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	if r.db == nil {
		return nil
	}
	return r.db.SetSyncState(key, value)
}

// GetCheckpoint retrieves a sync checkpoint value, "" when unset.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	if r.db == nil {
		return "", nil
	}
	v, _, err := r.db.SyncState(key)
	return v, err
}

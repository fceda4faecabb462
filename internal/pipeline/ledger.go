package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/cache"
	"github.com/kiranshivaraju/memoflow/internal/store"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// statusTTL bounds how long a cached status may be served. It is the only
// bound on staleness when Redis rejects both the write and the eviction.
const statusTTL = 5 * time.Minute

// Ledger is the status ledger as seen by the pipeline: every write goes to
// the store first and then through to the status cache. Cache failures never
// fail the write; a view that cannot be written is evicted instead, so reads
// fall through to the store.
type Ledger struct {
	store store.Store
	cache cache.Cache
}

func NewLedger(st store.Store, ca cache.Cache) *Ledger {
	return &Ledger{store: st, cache: ca}
}

// Transition moves a memo from one status to the next with a compare-and-set.
func (l *Ledger) Transition(ctx context.Context, id uuid.UUID, from, to models.MemoStatus, opts ...store.TransitionOption) (*models.Memo, error) {
	m, err := l.store.TransitionMemo(ctx, id, from, to, opts...)
	if err != nil {
		return nil, err
	}
	slog.Info("memo status changed", "memo_id", id, "round", m.Round, "from", from, "to", to)
	l.remember(ctx, m)
	return m, nil
}

// Create records a new memo in UPLOADING.
func (l *Ledger) Create(ctx context.Context, m *models.Memo) error {
	if err := l.store.CreateMemo(ctx, m); err != nil {
		return err
	}
	l.remember(ctx, m)
	return nil
}

// Restart opens a new processing round for a finished memo.
func (l *Ledger) Restart(ctx context.Context, id uuid.UUID) (*models.Memo, error) {
	m, err := l.store.RestartMemo(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("memo restarted", "memo_id", id, "round", m.Round)
	l.remember(ctx, m)
	return m, nil
}

// Delete removes a memo and its cached status.
func (l *Ledger) Delete(ctx context.Context, id uuid.UUID) error {
	if err := l.store.DeleteMemo(ctx, id); err != nil {
		return err
	}
	if err := l.cache.DeleteMemoStatus(ctx, id); err != nil {
		slog.Warn("evicting memo status", "memo_id", id, "error", err)
	}
	return nil
}

// Status returns the status read model, preferring the cache.
func (l *Ledger) Status(ctx context.Context, id uuid.UUID) (models.StatusView, error) {
	if view, ok, err := l.cache.GetMemoStatus(ctx, id); err != nil {
		slog.Warn("reading cached memo status", "memo_id", id, "error", err)
	} else if ok {
		return *view, nil
	}

	m, err := l.store.GetMemo(ctx, id)
	if err != nil {
		return models.StatusView{}, err
	}
	l.remember(ctx, m)
	return m.View(), nil
}

func (l *Ledger) remember(ctx context.Context, m *models.Memo) {
	err := l.cache.SetMemoStatus(ctx, m.View(), statusTTL)
	if err == nil {
		return
	}
	slog.Warn("caching memo status", "memo_id", m.ID, "status", m.Status, "error", err)
	if err := l.cache.DeleteMemoStatus(ctx, m.ID); err != nil {
		slog.Error("evicting stale memo status", "memo_id", m.ID, "error", err, "ttl", statusTTL)
	}
}

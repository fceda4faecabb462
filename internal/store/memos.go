package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

const memoColumns = `id, account_id, title, language, priority, status, round, error_message,
	duration_seconds, audio_key, audio_url, audio_content_type, status_changed_at, completed_at,
	created_at, updated_at`

func scanMemo(row pgx.Row) (*models.Memo, error) {
	var (
		m        models.Memo
		priority int16
		status   string
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.Title, &m.Language, &priority, &status, &m.Round,
		&m.ErrorMessage, &m.DurationSeconds, &m.AudioKey, &m.AudioURL, &m.AudioContentType,
		&m.StatusChangedAt, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Priority = models.Priority(priority)
	m.Status = models.MemoStatus(status)
	return &m, nil
}

func insertStatusEvent(ctx context.Context, tx pgx.Tx, memoID uuid.UUID, round int, from *models.MemoStatus, to models.MemoStatus, errMsg *string, at time.Time) error {
	var fromStr *string
	if from != nil {
		s := string(*from)
		fromStr = &s
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO memo_status_events (memo_id, round, from_status, to_status, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		memoID, round, fromStr, string(to), errMsg, at)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}
	return nil
}

// --- Status Ledger ---

// CreateMemo inserts memo in UPLOADING and records the opening status event.
func (s *PostgresStore) CreateMemo(ctx context.Context, m *models.Memo) error {
	if m.Status == "" {
		m.Status = models.MemoStatusUploading
	}
	if m.Round == 0 {
		m.Round = 1
	}
	if m.StatusChangedAt.IsZero() {
		m.StatusChangedAt = m.CreatedAt
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO memos (id, account_id, title, language, priority, status, round,
			   status_changed_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, m.AccountID, m.Title, m.Language, int16(m.Priority), string(m.Status), m.Round,
			m.StatusChangedAt, m.CreatedAt, m.UpdatedAt); err != nil {
			return err
		}
		return insertStatusEvent(ctx, tx, m.ID, m.Round, nil, m.Status, nil, m.StatusChangedAt)
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create memo: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMemo(ctx context.Context, id uuid.UUID) (*models.Memo, error) {
	m, err := scanMemo(s.pool.QueryRow(ctx, `SELECT `+memoColumns+` FROM memos WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memo: %w", err)
	}
	return m, nil
}

// SetMemoAudio records the uploaded blob. Only a memo still in UPLOADING accepts audio.
func (s *PostgresStore) SetMemoAudio(ctx context.Context, id uuid.UUID, ref models.AudioRef) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memos SET audio_key = $2, audio_url = $3, audio_content_type = $4, updated_at = $5
		 WHERE id = $1 AND status = $6`,
		id, ref.Key, ref.URL, ref.ContentType, time.Now().UTC(), string(models.MemoStatusUploading))
	if err != nil {
		return fmt.Errorf("set memo audio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, s.pool, id)
	}
	return nil
}

// TransitionMemo moves a memo from one status to the next as a compare-and-set
// on the current status, appending the change to the status history in the
// same transaction.
func (s *PostgresStore) TransitionMemo(ctx context.Context, id uuid.UUID, from, to models.MemoStatus, opts ...TransitionOption) (*models.Memo, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	errMsg, round := ApplyTransitionOptions(opts...)

	now := time.Now().UTC()
	var completedAt *time.Time
	if to.IsTerminal() {
		completedAt = &now
	}

	query := `UPDATE memos SET status = $3, status_changed_at = $4, updated_at = $4,
		error_message = $5, completed_at = COALESCE($6, completed_at)
		WHERE id = $1 AND status = $2`
	args := []any{id, string(from), string(to), now, errMsg, completedAt}
	if round != nil {
		query += ` AND round = $7`
		args = append(args, *round)
	}
	query += ` RETURNING ` + memoColumns

	var memo *models.Memo
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := scanMemo(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missOrStale(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		memo = m
		return insertStatusEvent(ctx, tx, id, m.Round, &from, to, errMsg, now)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleStatus) {
			return nil, err
		}
		return nil, fmt.Errorf("transition memo %s -> %s: %w", from, to, err)
	}
	return memo, nil
}

// RestartMemo opens a new processing round for a memo in COMPLETED or FAILED.
// Artifacts and audio of the previous round are dropped.
func (s *PostgresStore) RestartMemo(ctx context.Context, id uuid.UUID) (*models.Memo, error) {
	var memo *models.Memo
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM memos WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !models.MemoStatus(status).IsTerminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, models.MemoStatusUploading)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM transcripts WHERE memo_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM generated_contents WHERE memo_id = $1`, id); err != nil {
			return err
		}

		now := time.Now().UTC()
		m, err := scanMemo(tx.QueryRow(ctx,
			`UPDATE memos SET status = $2, round = round + 1, error_message = NULL,
			   duration_seconds = NULL, audio_key = NULL, audio_url = NULL, audio_content_type = NULL,
			   completed_at = NULL, status_changed_at = $3, updated_at = $3
			 WHERE id = $1
			 RETURNING `+memoColumns,
			id, string(models.MemoStatusUploading), now))
		if err != nil {
			return err
		}
		memo = m
		return insertStatusEvent(ctx, tx, id, m.Round, nil, m.Status, nil, now)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("restart memo: %w", err)
	}
	return memo, nil
}

// DeleteMemo removes the memo with its history and artifacts. Usage already
// recorded for it is kept.
func (s *PostgresStore) DeleteMemo(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete memo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListStatusEvents(ctx context.Context, memoID uuid.UUID) ([]*models.StatusEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, memo_id, round, from_status, to_status, error_message, created_at
		 FROM memo_status_events WHERE memo_id = $1 ORDER BY id`, memoID)
	if err != nil {
		return nil, fmt.Errorf("list status events: %w", err)
	}
	defer rows.Close()

	var events []*models.StatusEvent
	for rows.Next() {
		var (
			e    models.StatusEvent
			from *string
			to   string
		)
		if err := rows.Scan(&e.ID, &e.MemoID, &e.Round, &from, &to, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		if from != nil {
			f := models.MemoStatus(*from)
			e.From = &f
		}
		e.To = models.MemoStatus(to)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ListStuckMemos returns memos in one of statuses whose status last changed
// before the given time, oldest first.
func (s *PostgresStore) ListStuckMemos(ctx context.Context, statuses []models.MemoStatus, before time.Time, limit int) ([]*models.Memo, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+memoColumns+` FROM memos
		 WHERE status = ANY($1) AND status_changed_at < $2
		 ORDER BY status_changed_at LIMIT $3`, names, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck memos: %w", err)
	}
	defer rows.Close()

	var memos []*models.Memo
	for rows.Next() {
		m, err := scanMemo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memo: %w", err)
		}
		memos = append(memos, m)
	}
	return memos, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missOrStale explains why a conditional update touched no row.
func (s *PostgresStore) missOrStale(ctx context.Context, q querier, id uuid.UUID) error {
	var status string
	err := q.QueryRow(ctx, `SELECT status FROM memos WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get memo status: %w", err)
	}
	return fmt.Errorf("%w: memo is %s", ErrStaleStatus, status)
}

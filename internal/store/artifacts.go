package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// --- Transcripts ---

// SaveTranscript writes the transcript of a memo, replacing any earlier one
// with its segments, and records the measured duration on the memo.
func (s *PostgresStore) SaveTranscript(ctx context.Context, t *models.Transcript) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO transcripts (memo_id, text, language, duration_seconds, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (memo_id) DO UPDATE SET
			   text = EXCLUDED.text,
			   language = EXCLUDED.language,
			   duration_seconds = EXCLUDED.duration_seconds,
			   created_at = EXCLUDED.created_at`,
			t.MemoID, t.Text, t.Language, t.DurationSeconds, t.CreatedAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM transcript_segments WHERE memo_id = $1`, t.MemoID); err != nil {
			return err
		}
		if len(t.Segments) > 0 {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{"transcript_segments"},
				[]string{"memo_id", "idx", "start_seconds", "end_seconds", "text"},
				pgx.CopyFromSlice(len(t.Segments), func(i int) ([]any, error) {
					seg := t.Segments[i]
					return []any{t.MemoID, seg.Index, seg.Start, seg.End, seg.Text}, nil
				}))
			if err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`UPDATE memos SET duration_seconds = $2, updated_at = NOW() WHERE id = $1`,
			t.MemoID, t.DurationSeconds)
		return err
	})
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTranscript(ctx context.Context, memoID uuid.UUID) (*models.Transcript, error) {
	t := models.Transcript{MemoID: memoID}
	err := s.pool.QueryRow(ctx,
		`SELECT text, language, duration_seconds, created_at FROM transcripts WHERE memo_id = $1`, memoID,
	).Scan(&t.Text, &t.Language, &t.DurationSeconds, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT idx, start_seconds, end_seconds, text FROM transcript_segments
		 WHERE memo_id = $1 ORDER BY idx`, memoID)
	if err != nil {
		return nil, fmt.Errorf("get transcript segments: %w", err)
	}
	defer rows.Close()

	t.Segments = []models.Segment{}
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(&seg.Index, &seg.Start, &seg.End, &seg.Text); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		t.Segments = append(t.Segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get transcript segments: %w", err)
	}
	return &t, nil
}

// --- Generated Content ---

func (s *PostgresStore) SaveGeneratedContent(ctx context.Context, c *models.GeneratedContent) error {
	lists := make([][]byte, 0, 5)
	for _, v := range []any{
		nonNil(c.KeyPoints), nonNilItems(c.ActionItems), nonNil(c.Decisions),
		nonNil(c.NextSteps), nonNil(c.Attendees),
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode generated content: %w", err)
		}
		lists = append(lists, b)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO generated_contents (memo_id, summary, key_points, action_items, decisions,
		   next_steps, attendees, provider, model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (memo_id) DO UPDATE SET
		   summary = EXCLUDED.summary,
		   key_points = EXCLUDED.key_points,
		   action_items = EXCLUDED.action_items,
		   decisions = EXCLUDED.decisions,
		   next_steps = EXCLUDED.next_steps,
		   attendees = EXCLUDED.attendees,
		   provider = EXCLUDED.provider,
		   model = EXCLUDED.model,
		   created_at = EXCLUDED.created_at`,
		c.MemoID, c.Summary, lists[0], lists[1], lists[2], lists[3], lists[4],
		c.Provider, c.Model, c.CreatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("save generated content: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGeneratedContent(ctx context.Context, memoID uuid.UUID) (*models.GeneratedContent, error) {
	c := models.GeneratedContent{MemoID: memoID}
	var keyPoints, actionItems, decisions, nextSteps, attendees []byte
	err := s.pool.QueryRow(ctx,
		`SELECT summary, key_points, action_items, decisions, next_steps, attendees, provider, model, created_at
		 FROM generated_contents WHERE memo_id = $1`, memoID,
	).Scan(&c.Summary, &keyPoints, &actionItems, &decisions, &nextSteps, &attendees,
		&c.Provider, &c.Model, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get generated content: %w", err)
	}

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{keyPoints, &c.KeyPoints},
		{actionItems, &c.ActionItems},
		{decisions, &c.Decisions},
		{nextSteps, &c.NextSteps},
		{attendees, &c.Attendees},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode generated content: %w", err)
		}
	}
	return &c, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilItems(s []models.ActionItem) []models.ActionItem {
	if s == nil {
		return []models.ActionItem{}
	}
	return s
}

// Package storetest provides test doubles and fixtures for the store package.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/internal/store"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// DefaultAccountID is the id of the account seeded by NewStore.
var DefaultAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Store is an in-memory store.Store with the same transition and usage rules
// as the Postgres implementation.
type Store struct {
	mu          sync.Mutex
	accounts    map[uuid.UUID]*models.Account
	apiKeys     map[uuid.UUID]*models.APIKey
	memos       map[uuid.UUID]*models.Memo
	events      map[uuid.UUID][]*models.StatusEvent
	transcripts map[uuid.UUID]*models.Transcript
	contents    map[uuid.UUID]*models.GeneratedContent
	usage       map[usageKey]float64
	usageEvents map[usageEventKey]bool
	nextEventID int64
	failNext    map[string]error
}

type usageKey struct {
	account uuid.UUID
	period  time.Time
}

type usageEventKey struct {
	memo  uuid.UUID
	round int
}

var _ store.Store = (*Store)(nil)

// NewStore returns an empty store seeded with a "default" account allowed
// 600 minutes a month.
func NewStore() *Store {
	s := &Store{
		accounts:    map[uuid.UUID]*models.Account{},
		apiKeys:     map[uuid.UUID]*models.APIKey{},
		memos:       map[uuid.UUID]*models.Memo{},
		events:      map[uuid.UUID][]*models.StatusEvent{},
		transcripts: map[uuid.UUID]*models.Transcript{},
		contents:    map[uuid.UUID]*models.GeneratedContent{},
		usage:       map[usageKey]float64{},
		usageEvents: map[usageEventKey]bool{},
		failNext:    map[string]error{},
	}
	now := time.Now().UTC()
	s.accounts[DefaultAccountID] = &models.Account{
		ID: DefaultAccountID, Name: "default", MonthlyMinutes: 600, CreatedAt: now, UpdatedAt: now,
	}
	return s
}

// FailNext makes the next call of the named method return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[method] = err
}

// injected must be called with mu held.
func (s *Store) injected(method string) error {
	if err, ok := s.failNext[method]; ok {
		delete(s.failNext, method)
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injected("Ping")
}

// --- API keys ---

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetAPIKeyByPrefix"); err != nil {
		return nil, err
	}
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := s.accounts[key.AccountID]; !ok {
		return store.ErrNotFound
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *Store) ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.apiKeys {
		if k.AccountID == accountID && k.DeletedAt == nil {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.AccountID != accountID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Accounts and usage ---

func (s *Store) CreateAccount(ctx context.Context, a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.ID == a.ID || existing.Name == a.Name {
			return store.ErrDuplicateKey
		}
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetDefaultAccount(ctx context.Context) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Name == "default" {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetUsage(ctx context.Context, accountID uuid.UUID, period time.Time) (*models.UsageCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetUsage"); err != nil {
		return nil, err
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	period = models.UsagePeriod(period)
	return &models.UsageCounter{
		AccountID:    accountID,
		PeriodStart:  period,
		UsedMinutes:  s.usage[usageKey{accountID, period}],
		LimitMinutes: a.MonthlyMinutes,
	}, nil
}

func (s *Store) RecordUsage(ctx context.Context, rec models.UsageRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("RecordUsage"); err != nil {
		return false, err
	}
	if _, ok := s.accounts[rec.AccountID]; !ok {
		return false, store.ErrNotFound
	}
	ek := usageEventKey{rec.MemoID, rec.Round}
	if s.usageEvents[ek] {
		return false, nil
	}
	s.usageEvents[ek] = true
	s.usage[usageKey{rec.AccountID, models.UsagePeriod(rec.At)}] += rec.Minutes
	return true, nil
}

// UsageEvents returns how many distinct usage increments were recorded.
func (s *Store) UsageEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.usageEvents)
}

// --- Status ledger ---

func (s *Store) appendEvent(memo *models.Memo, from *models.MemoStatus, errMsg *string, at time.Time) {
	s.nextEventID++
	s.events[memo.ID] = append(s.events[memo.ID], &models.StatusEvent{
		ID: s.nextEventID, MemoID: memo.ID, Round: memo.Round,
		From: from, To: memo.Status, ErrorMessage: errMsg, CreatedAt: at,
	})
}

func (s *Store) CreateMemo(ctx context.Context, m *models.Memo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateMemo"); err != nil {
		return err
	}
	if _, ok := s.memos[m.ID]; ok {
		return store.ErrDuplicateKey
	}
	if _, ok := s.accounts[m.AccountID]; !ok {
		return store.ErrNotFound
	}
	if m.Status == "" {
		m.Status = models.MemoStatusUploading
	}
	if m.Round == 0 {
		m.Round = 1
	}
	if m.StatusChangedAt.IsZero() {
		m.StatusChangedAt = m.CreatedAt
	}
	cp := *m
	s.memos[m.ID] = &cp
	s.appendEvent(&cp, nil, nil, cp.StatusChangedAt)
	return nil
}

func (s *Store) GetMemo(ctx context.Context, id uuid.UUID) (*models.Memo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetMemo"); err != nil {
		return nil, err
	}
	m, ok := s.memos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) SetMemoAudio(ctx context.Context, id uuid.UUID, ref models.AudioRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memos[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.Status != models.MemoStatusUploading {
		return fmt.Errorf("%w: memo is %s", store.ErrStaleStatus, m.Status)
	}
	m.AudioKey, m.AudioURL, m.AudioContentType = &ref.Key, &ref.URL, &ref.ContentType
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) TransitionMemo(ctx context.Context, id uuid.UUID, from, to models.MemoStatus, opts ...store.TransitionOption) (*models.Memo, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}
	errMsg, round := store.ApplyTransitionOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("TransitionMemo"); err != nil {
		return nil, err
	}
	m, ok := s.memos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if m.Status != from || (round != nil && m.Round != *round) {
		return nil, fmt.Errorf("%w: memo is %s", store.ErrStaleStatus, m.Status)
	}
	now := time.Now().UTC()
	m.Status = to
	m.ErrorMessage = errMsg
	m.StatusChangedAt = now
	m.UpdatedAt = now
	if to.IsTerminal() {
		m.CompletedAt = &now
	}
	f := from
	s.appendEvent(m, &f, errMsg, now)
	cp := *m
	return &cp, nil
}

func (s *Store) RestartMemo(ctx context.Context, id uuid.UUID) (*models.Memo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !m.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, m.Status, models.MemoStatusUploading)
	}
	delete(s.transcripts, id)
	delete(s.contents, id)
	now := time.Now().UTC()
	m.Status = models.MemoStatusUploading
	m.Round++
	m.ErrorMessage, m.DurationSeconds, m.CompletedAt = nil, nil, nil
	m.AudioKey, m.AudioURL, m.AudioContentType = nil, nil, nil
	m.StatusChangedAt, m.UpdatedAt = now, now
	s.appendEvent(m, nil, nil, now)
	cp := *m
	return &cp, nil
}

func (s *Store) DeleteMemo(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memos[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.memos, id)
	delete(s.events, id)
	delete(s.transcripts, id)
	delete(s.contents, id)
	return nil
}

func (s *Store) ListStatusEvents(ctx context.Context, memoID uuid.UUID) ([]*models.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.StatusEvent, 0, len(s.events[memoID]))
	for _, e := range s.events[memoID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListStuckMemos(ctx context.Context, statuses []models.MemoStatus, before time.Time, limit int) ([]*models.Memo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*models.Memo
	for _, m := range s.memos {
		for _, st := range statuses {
			if m.Status == st && m.StatusChangedAt.Before(before) {
				cp := *m
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusChangedAt.Before(out[j].StatusChangedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetStatusChangedAt backdates a memo so sweeps consider it stuck.
func (s *Store) SetStatusChangedAt(id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.memos[id]; ok {
		m.StatusChangedAt = at
	}
}

// --- Artifacts ---

func (s *Store) SaveTranscript(ctx context.Context, t *models.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("SaveTranscript"); err != nil {
		return err
	}
	m, ok := s.memos[t.MemoID]
	if !ok {
		return store.ErrNotFound
	}
	cp := *t
	cp.Segments = append([]models.Segment(nil), t.Segments...)
	s.transcripts[t.MemoID] = &cp
	d := t.DurationSeconds
	m.DurationSeconds = &d
	return nil
}

func (s *Store) GetTranscript(ctx context.Context, memoID uuid.UUID) (*models.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transcripts[memoID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	cp.Segments = append([]models.Segment{}, t.Segments...)
	return &cp, nil
}

func (s *Store) SaveGeneratedContent(ctx context.Context, c *models.GeneratedContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("SaveGeneratedContent"); err != nil {
		return err
	}
	if _, ok := s.memos[c.MemoID]; !ok {
		return store.ErrNotFound
	}
	cp := *c
	s.contents[c.MemoID] = &cp
	return nil
}

func (s *Store) GetGeneratedContent(ctx context.Context, memoID uuid.UUID) (*models.GeneratedContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contents[memoID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

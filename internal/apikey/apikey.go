// Package apikey mints API keys. Only the bcrypt hash and the lookup prefix
// are persisted; the raw key is shown to the caller once.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/memoflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Prefix starts every raw key.
	Prefix = "mf_"
	// PrefixLen is how many leading characters are stored for lookup.
	PrefixLen = 8

	secretBytes = 24
)

// Scopes a key may carry.
const (
	ScopeMemos = "memos"
	ScopeAdmin = "admin"
)

var validScopes = map[string]bool{ScopeMemos: true, ScopeAdmin: true}

// ValidScope reports whether s is a known scope.
func ValidScope(s string) bool { return validScopes[s] }

// New generates a raw key and the record to store for it.
func New(accountID uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	return newWithCost(accountID, name, scopes, bcrypt.DefaultCost)
}

// NewForTest is New with the minimum bcrypt cost.
func NewForTest(accountID uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	return newWithCost(accountID, name, scopes, bcrypt.MinCost)
}

func newWithCost(accountID uuid.UUID, name string, scopes []string, cost int) (string, *models.APIKey, error) {
	for _, s := range scopes {
		if !ValidScope(s) {
			return "", nil, fmt.Errorf("unknown scope %q", s)
		}
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("reading random bytes: %w", err)
	}
	raw := Prefix + hex.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing key: %w", err)
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		AccountID: accountID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

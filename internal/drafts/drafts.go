// Package drafts keeps unfinished quotation request forms per customer.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("draft not found")

const DefaultTTL = 7 * 24 * time.Hour

// Draft is the customer's in-progress quotation form.
type Draft struct {
	UserID      string    `json:"userId"`
	ProductID   string    `json:"productId,omitempty"`
	ProductName string    `json:"productName,omitempty"`
	Quantity    float64   `json:"quantity,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	Step        int       `json:"step,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func key(userID string) string {
	return "draft:" + userID
}

// Save replaces the user's draft and restarts its TTL.
func (s *Store) Save(ctx context.Context, draft Draft) (Draft, error) {
	draft.UserID = strings.TrimSpace(draft.UserID)
	if draft.UserID == "" {
		return Draft{}, errors.New("draft user id is required")
	}
	draft.UpdatedAt = s.now().UTC()
	raw, err := json.Marshal(draft)
	if err != nil {
		return Draft{}, fmt.Errorf("marshal draft: %w", err)
	}
	if err := s.client.Set(ctx, key(draft.UserID), raw, s.ttl).Err(); err != nil {
		return Draft{}, fmt.Errorf("save draft: %w", err)
	}
	return draft, nil
}

func (s *Store) Get(ctx context.Context, userID string) (Draft, error) {
	raw, err := s.client.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("get draft: %w", err)
	}
	var draft Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return Draft{}, fmt.Errorf("unmarshal draft: %w", err)
	}
	return draft, nil
}

// Delete is a no-op for users without a draft.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// Package pagination pages newest-first request listings with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalid is returned for a malformed cursor or limit.
var ErrInvalid = errors.New("pagination: invalid cursor or limit")

// Cursor is the (created_at, id) of the last row a caller has seen.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor is not base64", ErrInvalid)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: cursor payload", ErrInvalid)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: cursor timestamp", ErrInvalid)
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        parts[1],
	}, nil
}

// Follows reports whether a row sorts after the cursor in
// (created_at DESC, id DESC) order.
func (c *Cursor) Follows(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// ParseLimit reads a limit query value. Empty means DefaultLimit; values
// above MaxLimit are clamped.
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", ErrInvalid)
	}
	if n > MaxLimit {
		n = MaxLimit
	}
	return n, nil
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Paginate returns the rows of a newest-first slice that follow cursor, at
// most limit of them. key extracts (created_at, id) from a row.
func Paginate[T any](items []T, cursor *Cursor, limit int, key func(T) (time.Time, string)) Page[T] {
	start := 0
	if cursor != nil {
		start = len(items)
		for i, item := range items {
			if cursor.Follows(key(item)) {
				start = i
				break
			}
		}
	}
	rest := items[start:]
	if len(rest) <= limit {
		return Page[T]{Items: rest}
	}
	rest = rest[:limit]
	createdAt, id := key(rest[len(rest)-1])
	return Page[T]{Items: rest, NextCursor: Encode(createdAt, id), HasMore: true}
}

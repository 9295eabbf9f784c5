// Package persistence contains helpers shared by repository implementations.
package persistence

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/domain"
)

// History cursors are an opaque base64 wrapping of "<completed_at>|<entry_id>",
// the keyset the listing query orders on.

// EncodeCursor serialises a history cursor into an opaque token. A nil cursor
// encodes to the empty string.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw := c.CompletedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor token; empty tokens mean "from the top".
func DecodeCursor(token string) (*domain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	stamp, id, ok := strings.Cut(string(decoded), "|")
	if !ok {
		return nil, fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return &domain.Cursor{CompletedAt: ts, ID: id}, nil
}

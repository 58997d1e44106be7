// Package pagination implements keyset cursors for audit listing.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrBadCursor reports a token that did not come from Token.
var ErrBadCursor = errors.New("malformed cursor")

// A Cursor names the last row a client has seen, by creation time and
// row id. Listing resumes strictly after it in (created_at, id) order.
type Cursor struct {
	At time.Time
	ID int64
}

// Token renders c as an opaque URL-safe string.
func (c Cursor) Token() string {
	raw := strconv.FormatInt(c.At.UnixNano(), 10) + ":" + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse decodes a cursor token. An empty token means start from the top,
// reported by ok=false.
func Parse(token string) (cur Cursor, ok bool, err error) {
	if token == "" {
		return Cursor{}, false, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, false, ErrBadCursor
	}
	at, id, found := strings.Cut(string(raw), ":")
	if !found {
		return Cursor{}, false, ErrBadCursor
	}
	nanos, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return Cursor{}, false, ErrBadCursor
	}
	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Cursor{}, false, ErrBadCursor
	}
	return Cursor{At: time.Unix(0, nanos).UTC(), ID: rowID}, true, nil
}

// Trim cuts an over-fetched page (limit+1 rows) down to limit and, when a
// row was dropped, returns the token that resumes after the new last row.
func Trim[T any](rows []T, limit int, last func(T) Cursor) ([]T, string, bool) {
	if len(rows) <= limit {
		return rows, "", false
	}
	rows = rows[:limit]
	return rows, last(rows[len(rows)-1]).Token(), true
}

package ledger

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const cursorSeparator = "."

// PageCursor positions a newest-first listing strictly after the row it names.
// Rows are ordered by (CreatedAt, ID) descending; the zero value starts at the newest row.
type PageCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor that continues a listing after the given row.
func CursorAfter(createdAt time.Time, id string) PageCursor {
	return PageCursor{CreatedAt: createdAt.UTC(), ID: id}
}

// IsZero reports whether the cursor starts at the newest row.
func (cursor PageCursor) IsZero() bool {
	return cursor.CreatedAt.IsZero()
}

// Encode renders the cursor as an opaque URL-safe token.
func (cursor PageCursor) Encode() string {
	if cursor.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(cursor.CreatedAt.UnixNano(), 10) + cursorSeparator + cursor.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParsePageCursor decodes a token produced by Encode. An empty token yields the zero cursor.
func ParsePageCursor(token string) (PageCursor, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return PageCursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return PageCursor{}, fmt.Errorf("%w: %v", ErrInvalidPageCursor, err)
	}
	nanosText, id, found := strings.Cut(string(decoded), cursorSeparator)
	if !found || id == "" {
		return PageCursor{}, fmt.Errorf("%w: malformed token", ErrInvalidPageCursor)
	}
	nanos, err := strconv.ParseInt(nanosText, 10, 64)
	if err != nil || nanos <= 0 {
		return PageCursor{}, fmt.Errorf("%w: malformed timestamp", ErrInvalidPageCursor)
	}
	return PageCursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Precedes reports whether a row at (createdAt, id) comes after the cursor in newest-first order.
func (cursor PageCursor) Precedes(createdAt time.Time, id string) bool {
	if createdAt.Before(cursor.CreatedAt) {
		return true
	}
	return createdAt.Equal(cursor.CreatedAt) && id < cursor.ID
}

package stores

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func pageLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageLimit
	case limit > maxPageLimit:
		return maxPageLimit
	default:
		return limit
	}
}

// encodeCursor packs the keyset position of the last returned row into an
// opaque token.
func encodeCursor(keys ...string) string {
	data, _ := json.Marshal(keys)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(cursor string, want int) ([]string, error) {
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if len(keys) != want {
		return nil, fmt.Errorf("%w: expected %d keys, got %d", ErrInvalidCursor, want, len(keys))
	}

	return keys, nil
}

package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	at time.Time
	id string
}

func key(r row) (time.Time, string) { return r.at, r.id }

var base = time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

// newest first, with a timestamp tie between b and c
func rows() []row {
	return []row{
		{base.Add(3 * time.Minute), "a"},
		{base.Add(2 * time.Minute), "c"},
		{base.Add(2 * time.Minute), "b"},
		{base.Add(time.Minute), "d"},
		{base, "e"},
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	encoded := Encode(base, "3f1c2a7e-0000-4000-8000-000000000001")
	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, base, cursor.CreatedAt)
	assert.Equal(t, "3f1c2a7e-0000-4000-8000-000000000001", cursor.ID)
}

func TestDecode_EmptyAndInvalid(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)

	for _, raw := range []string{
		"not-base64!!!",
		base64.URLEncoding.EncodeToString([]byte("nopipe")),
		base64.URLEncoding.EncodeToString([]byte("abc|id")),
		base64.URLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrInvalid, raw)
	}
}

func TestParseLimit(t *testing.T) {
	n, err := ParseLimit("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, n)

	n, err = ParseLimit("10")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	n, err = ParseLimit("5000")
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, n)

	for _, raw := range []string{"0", "-1", "ten"} {
		_, err := ParseLimit(raw)
		assert.ErrorIs(t, err, ErrInvalid, raw)
	}
}

func TestPaginate_WalksEveryRowOnce(t *testing.T) {
	var seen []string
	var cursor *Cursor
	for pages := 0; pages < 10; pages++ {
		page := Paginate(rows(), cursor, 2, key)
		for _, r := range page.Items {
			seen = append(seen, r.id)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		var err error
		cursor, err = Decode(page.NextCursor)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "c", "b", "d", "e"}, seen)
}

func TestPaginate_ExactLimitAndPastEnd(t *testing.T) {
	page := Paginate(rows(), nil, 5, key)
	assert.Len(t, page.Items, 5)
	assert.False(t, page.HasMore)

	past := &Cursor{CreatedAt: base.Add(-time.Hour), ID: "z"}
	assert.Empty(t, Paginate(rows(), past, 5, key).Items)
}

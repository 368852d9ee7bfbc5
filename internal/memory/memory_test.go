package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumStableAcrossMapOrder(t *testing.T) {
	a := map[string]any{"user": "ada", "count": 3}
	b := map[string]any{"count": 3, "user": "ada"}

	ca, err := Checksum(a)
	require.NoError(t, err)
	cb, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestChecksumDiffersForDifferentValues(t *testing.T) {
	ca, err := Checksum("alpha")
	require.NoError(t, err)
	cb, err := Checksum("beta")
	require.NoError(t, err)
	assert.NotEqual(t, ca, cb)
}

func TestChecksumRejectsUnserializable(t *testing.T) {
	_, err := Checksum(func() {})
	require.Error(t, err)
}

func TestEntryExpired(t *testing.T) {
	now := time.Now()
	e := &Entry{TTL: 100 * time.Millisecond, Metadata: Metadata{Created: now}}

	assert.False(t, e.Expired(now.Add(50*time.Millisecond)))
	assert.True(t, e.Expired(now.Add(150*time.Millisecond)))

	e.TTL = 0
	assert.False(t, e.Expired(now.Add(24*time.Hour)), "zero TTL never expires")
}

func TestQueryMatchesConjunctive(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{
		Key:      "user:login:42",
		Metadata: Metadata{Created: created, Tags: []string{"login", "session"}},
	}

	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"empty query matches", Query{}, true},
		{"key exact", Query{Key: "user:login:42"}, true},
		{"key mismatch", Query{Key: "user:login:43"}, false},
		{"pattern substring", Query{Pattern: "login"}, true},
		{"pattern miss", Query{Pattern: "logout"}, false},
		{"single tag", Query{Tags: []string{"login"}}, true},
		{"all tags required", Query{Tags: []string{"login", "purchase"}}, false},
		{"time range hit", Query{Since: created.Add(-time.Hour), Until: created.Add(time.Hour)}, true},
		{"time range miss", Query{Since: created.Add(time.Minute)}, false},
		{"conjunction", Query{Pattern: "login", Tags: []string{"session"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.q.Matches(e))
		})
	}
}

func TestQueryPage(t *testing.T) {
	entries := []*Entry{{Key: "a"}, {Key: "b"}, {Key: "c"}, {Key: "d"}}

	got := Query{Offset: 1, Limit: 2}.Page(entries)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Key)
	assert.Equal(t, "c", got[1].Key)

	assert.Nil(t, Query{Offset: 10}.Page(entries))
	assert.Len(t, Query{}.Page(entries), 4)
}

func TestRingTrimsToLowWatermark(t *testing.T) {
	r := NewRing[int](10, 5)
	for i := 0; i < 10; i++ {
		r.Append(i)
	}
	// Reaching cap trims to the low watermark.
	require.Equal(t, 5, r.Len())
	assert.Equal(t, []int{5, 6, 7, 8, 9}, r.Items())

	r.Append(10)
	assert.Equal(t, 6, r.Len())
	assert.Equal(t, []int{9, 10}, r.Last(2))
}

func TestLayerIDValid(t *testing.T) {
	for _, l := range AllLayers {
		assert.True(t, l.Valid())
	}
	assert.False(t, LayerID("l5").Valid())
}

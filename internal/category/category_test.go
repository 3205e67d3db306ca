package category

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    Category
		wantErr bool
	}{
		{raw: "feed-poll", want: FeedPoll},
		{raw: " FEED_POLL ", want: FeedPoll},
		{raw: "archive", want: Archive},
		{raw: "connectivity", want: Connectivity},
		{raw: "weather", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownCategory))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultTable(t *testing.T) {
	t.Parallel()
	tbl := DefaultTable()
	assert.True(t, tbl.Exclusive(FeedPoll))
	assert.True(t, tbl.Exclusive(Archive))
	assert.False(t, tbl.Exclusive(Convert))
	assert.False(t, tbl.Exclusive(Transfer))

	var zero Table
	assert.False(t, zero.Exclusive(FeedPoll))
}

func TestWithOverrides(t *testing.T) {
	t.Parallel()
	base := DefaultTable()

	got, err := base.WithOverrides(map[string]bool{"convert": true, "archive": false})
	require.NoError(t, err)
	assert.True(t, got.Exclusive(Convert))
	assert.False(t, got.Exclusive(Archive))

	// original is untouched
	assert.False(t, base.Exclusive(Convert))
	assert.True(t, base.Exclusive(Archive))

	_, err = base.WithOverrides(map[string]bool{"nope": true})
	require.ErrorIs(t, err, ErrUnknownCategory)
}

func TestAllIsACopy(t *testing.T) {
	t.Parallel()
	a := All()
	a[0] = "mutated"
	assert.Equal(t, FeedPoll, All()[0])
	for _, c := range All() {
		assert.True(t, c.Valid(), c)
	}
}

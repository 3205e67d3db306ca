package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "eventd/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "eventd.db")}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		assert.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err, "path is required")
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openDriver(t, driver)
			base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

			recs := []Record{
				{At: base, Kind: KindFailure, Category: "archive", Name: "nightly", Text: "errored: disk full"},
				{At: base.Add(time.Minute), Kind: KindTimeout, Category: "convert", Name: "transcode", Text: "timed out: transcode", DurationMS: 61000},
				{At: base.Add(2 * time.Minute), Kind: KindInterruption, Text: "lasted 30s"},
				{At: base.Add(3 * time.Minute), Kind: KindFailure, Category: "archive", Name: "weekly", Text: "errored: io"},
			}
			for _, r := range recs {
				require.NoError(t, st.Append(ctx, r))
			}

			all, err := st.List(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, "weekly", all[0].Name, "newest first")
			assert.Equal(t, "convert", all[2].Category)
			assert.Equal(t, int64(61000), all[2].DurationMS)
			assert.True(t, all[0].At.Equal(base.Add(3*time.Minute)))
			assert.NotZero(t, all[0].ID)

			fails, err := st.List(ctx, Query{Kind: KindFailure, Limit: 1})
			require.NoError(t, err)
			require.Len(t, fails, 1)
			assert.Equal(t, "weekly", fails[0].Name)

			recent, err := st.List(ctx, Query{Since: base.Add(90 * time.Second)})
			require.NoError(t, err)
			assert.Len(t, recent, 2)

			n, err := st.Prune(ctx, base.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			left, err := st.List(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, left, 2)
			assert.Equal(t, KindInterruption, left[1].Kind)

			require.NoError(t, st.Append(ctx, Record{Kind: KindConnectivity, Text: "OFFLINE"}))
			left, err = st.List(ctx, Query{})
			require.NoError(t, err)
			assert.Len(t, left, 3, "appends continue after prune")
		})
	}
}

func TestFileStoreSkipsTornLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "j.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Append(context.Background(), Record{Kind: KindFailure, Text: "one"}))
	require.NoError(t, st.Close())

	f, err := os.OpenFile(filepath.Join(dir, "j.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"fail`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Append(context.Background(), Record{Kind: KindFailure, Text: "two"}))

	got, err := st.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 1, "torn line and the record glued to it are skipped")
	assert.Equal(t, "one", got[0].Text)
	assert.Equal(t, int64(1), got[0].ID)

	assert.ErrorIs(t, func() error { _ = st.Close(); return st.Append(context.Background(), Record{}) }(), ErrClosed)
}

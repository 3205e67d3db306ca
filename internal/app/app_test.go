package app

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventd/internal/category"
	"eventd/internal/config"
	"eventd/internal/storage"
	"eventd/internal/telemetry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "eventd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestMapJobs(t *testing.T) {
	cfg := &config.Config{Jobs: []config.JobConfig{
		{Name: "feed", Category: "feed-poll", Every: "00:05", Command: []string{"true"}},
		{Name: "idx", Category: "index", Every: "30s", Command: []string{"true"}, Source: "rss"},
		{Name: "off", Category: "index", Every: "30s", Command: []string{"true"}, Disabled: true},
	}}
	jobs, err := mapJobs(cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 5*time.Minute, jobs[0].Every)
	assert.Equal(t, "feed", jobs[0].Source, "source defaults to the job name")
	assert.Equal(t, category.Index, jobs[1].Category)
	assert.Equal(t, "rss", jobs[1].Source)

	cfg.Jobs[0].Category = "nope"
	_, err = mapJobs(cfg)
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "file", Path: "/tmp/x"}}
	res, err := config.Resolve(cfg)
	require.NoError(t, err)

	_, ok := mapStorageConfig(cfg, res)
	assert.False(t, ok, "journal disabled")

	cfg.Journal.Enabled = true
	res, err = config.Resolve(cfg)
	require.NoError(t, err)
	sc, ok := mapStorageConfig(cfg, res)
	require.True(t, ok)
	assert.Equal(t, "file", sc.Driver)

	cfg.Storage.Driver = "none"
	res, err = config.Resolve(cfg)
	require.NoError(t, err)
	_, ok = mapStorageConfig(cfg, res)
	assert.False(t, ok)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	p := writeConfig(t, "dispatcher:\n  pool_size: -1\n")
	_, err := NewApp(p)
	assert.Error(t, err)
}

func TestAppRunsJobsAndJournals(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	p := writeConfig(t, `
logging:
  level: warn
dispatcher:
  pool_size: 2
  tick_every: 1s
  stop_grace: 10ms
storage:
  driver: file
  path: `+filepath.Join(dir, "eventd")+`
journal:
  enabled: true
jobs:
  - name: words
    category: index
    every: 1s
    command: ["sh", "-c", "echo one two three"]
  - name: broken
    category: feed-poll
    every: 1s
    command: ["sh", "-c", "echo boom >&2; exit 2"]
`)
	a, err := NewApp(p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	st := a.Station()
	require.Eventually(t, func() bool {
		return st.WordCounts()["index"] >= 3 && st.ErrorCount() >= 1
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		recs, err := a.journal.Recent(ctx, storage.Query{Kind: storage.KindFailure})
		return err == nil && len(recs) > 0
	}, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))

	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
}

func TestStopDrainsRunningWork(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	p := writeConfig(t, `
logging:
  level: warn
dispatcher:
  tick_every: 1s
jobs:
  - name: slow
    category: index
    every: 1h
    command: ["sh", "-c", "sleep 1; echo finished"]
`)
	a, err := NewApp(p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	st := a.Station()
	require.Eventually(t, func() bool { return st.ActiveThreads() == 1 }, 15*time.Second, 10*time.Millisecond)

	// a signal ends the Start context
	cancel()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the Start context ended")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))

	assert.Equal(t, int64(0), st.ErrorCount(), "running work must not be killed by a stop")
	assert.Equal(t, int64(1), st.WordCounts()["index"])
	assert.Equal(t, 0, st.ActiveThreads())
}

func TestRequestStopExitsApp(t *testing.T) {
	p := writeConfig(t, `
logging:
  level: warn
dispatcher:
  stop_grace: 10ms
`)
	a, err := NewApp(p)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	assert.Equal(t, telemetry.StopImmediate, a.Station().RequestStop())
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stop request did not cancel the app")
	}
	assert.NoError(t, a.Err())

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopRequested))
}

package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m))
		out = append(out, m)
	}
	return out
}

func TestWithAndCallFieldsOrder(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf)).With(String("comp", "app"), String("k", "base"))
	log.Info("hello", String("k", "call"), Duration("d", 1500*time.Millisecond), Err(nil))

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "app", got[0]["comp"])
	assert.Equal(t, "call", got[0]["k"], "call fields win")
	assert.Equal(t, "1.5s", got[0]["d"])
	assert.NotContains(t, got[0], "err")
	assert.Contains(t, got[0]["caller"], "logx_test.go:")
}

func TestSampledNeverDropsErrors(t *testing.T) {
	var buf bytes.Buffer
	s := NewSampler(time.Hour, 1)
	log := New(zerolog.New(&buf)).Sampled(s)
	for i := 0; i < 5; i++ {
		log.Info("noisy")
	}
	log.Error("boom", Err(errors.New("x")))

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "boom", got[1]["message"])
	assert.Equal(t, uint64(4), s.Dropped())
}

func TestLevels(t *testing.T) {
	for _, ok := range []string{"", "trace", "DEBUG", "info", "warning", "Warn", "error"} {
		assert.True(t, ValidLevel(ok), ok)
	}
	for _, bad := range []string{"fatal", "verbose", "disabled"} {
		assert.False(t, ValidLevel(bad), bad)
	}
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nope", zerolog.InfoLevel))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped")
	assert.False(t, Nop().IsZero())
}

func TestServiceFileSinkSurvivesReapply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventd.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := NewService(cfg)

	log.Info("first")
	f := svc.file
	cfg.Level = "debug"
	svc.Apply(cfg)
	assert.Same(t, f, svc.file, "same path keeps the handle")
	assert.True(t, log.Enabled(LevelDebug), "derived loggers follow Apply")
	log.Debug("second")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "first")
	assert.Contains(t, string(b), "second")
	assert.Equal(t, cfg, svc.Config())
}

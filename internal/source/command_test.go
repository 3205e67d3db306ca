package source

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventd/internal/category"
	"eventd/internal/dispatch"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandCountsWords(t *testing.T) {
	requireShell(t)
	h := dispatch.NewHandle(dispatch.WorkItem{Category: category.Index, Name: "idx"}, 0, time.Now)
	body := Command([]string{"sh", "-c", `echo "$GREETING world and more"`}, "", []string{"GREETING=hello"})
	require.NoError(t, body(context.Background(), h))
	assert.Equal(t, int64(4), h.Words())
}

func TestCommandFailureCarriesStderr(t *testing.T) {
	requireShell(t)
	body := Command([]string{"sh", "-c", "echo disk full >&2; exit 3"}, "", nil)
	err := body(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "disk full")
}

func TestCommandInterrupted(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := Command([]string{"sh", "-c", "sleep 5"}, "", nil)(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCommandEmpty(t *testing.T) {
	assert.Error(t, Command(nil, "", nil)(context.Background(), nil))
}

func TestTailBuffer(t *testing.T) {
	var tb tailBuffer
	_, _ = tb.Write([]byte(strings.Repeat("a", stderrTail)))
	_, _ = tb.Write([]byte("end"))
	assert.Len(t, tb.String(), stderrTail)
	assert.True(t, strings.HasSuffix(tb.String(), "end"))
}

func TestWordCounterAcrossWrites(t *testing.T) {
	h := dispatch.NewHandle(dispatch.WorkItem{Category: category.Index}, 0, time.Now)
	w := &wordCounter{h: h}
	_, _ = w.Write([]byte("alpha be"))
	_, _ = w.Write([]byte("ta gamma\n"))
	_, _ = w.Write([]byte("  delta"))
	assert.Equal(t, int64(4), h.Words())
}

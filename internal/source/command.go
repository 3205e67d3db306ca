package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"eventd/internal/dispatch"
)

const (
	stderrTail = 2048
	waitDelay  = 2 * time.Second
)

// Command runs argv as a work body. Words written to stdout are counted on
// the handle; interrupting the handle kills the process. A non-zero exit is
// returned with the tail of stderr.
func Command(argv []string, dir string, env []string) dispatch.Body {
	argv = append([]string(nil), argv...)
	env = append([]string(nil), env...)
	return func(ctx context.Context, h *dispatch.Handle) error {
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return errors.New("empty command")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		if len(env) > 0 {
			cmd.Env = append(os.Environ(), env...)
		}
		cmd.WaitDelay = waitDelay

		cmd.Stdout = &wordCounter{h: h}
		var stderr tailBuffer
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", argv[0], ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
}

// wordCounter counts whitespace-separated words across writes.
type wordCounter struct {
	h      *dispatch.Handle
	inWord bool
}

func (w *wordCounter) Write(p []byte) (int, error) {
	var n int64
	for _, b := range p {
		switch b {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			w.inWord = false
		default:
			if !w.inWord {
				n++
				w.inWord = true
			}
		}
	}
	if n > 0 && w.h != nil {
		w.h.AddWords(n)
	}
	return len(p), nil
}

// tailBuffer keeps the last stderrTail bytes written.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > stderrTail {
		p = p[len(p)-stderrTail:]
	}
	t.buf.Write(p)
	if over := t.buf.Len() - stderrTail; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }

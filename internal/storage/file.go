package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "eventd/pkg/logx"
)

// fileStore keeps the journal in <prefix>.journal.jsonl. Prune rewrites the
// file through a temp file and rename.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	f      *os.File
	nextID int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{log: log, path: filepath.Join(dir, base) + ".journal.jsonl"}

	// Recover the id sequence.
	_ = s.scan(func(r Record) {
		if r.ID > s.nextID {
			s.nextID = r.ID
		}
	})
	if err := s.reopen(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) reopen() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

// scan skips malformed lines so a torn final write does not poison reads.
func (s *fileStore) scan(fn func(Record)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		fn(r)
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) Append(_ context.Context, r Record) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	s.nextID++
	r.ID = s.nextID
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) List(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	var out []Record
	err := s.scan(func(r Record) {
		if q.match(r) {
			out = append(out, r)
		}
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].ID > out[j].ID
	})
	if n := q.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *fileStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrClosed
	}

	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tf)
	var removed int64
	var encErr error
	scanErr := s.scan(func(r Record) {
		if r.At.Before(before) {
			removed++
			return
		}
		if encErr == nil {
			encErr = enc.Encode(r)
		}
	})
	if err := errors.Join(scanErr, encErr, tf.Close()); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		if rerr := s.reopen(); rerr != nil {
			s.log.Error("journal reopen failed", logx.Err(rerr))
		}
		return 0, err
	}
	return removed, s.reopen()
}

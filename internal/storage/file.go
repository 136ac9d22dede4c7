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

	logx "pewtick/pkg/logx"
)

var errFileClosed = errors.New("run journal closed")

// fileStore keeps the journal in <prefix>.runs.jsonl (append-only JSON
// Lines). PruneRuns rewrites the surviving lines to a temp file and renames
// it over the journal.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runsPath := filepath.Join(dir, base) + ".runs.jsonl"
	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("run journal opened", logx.String("path", runsPath))
	return &fileStore{log: log, path: runsPath, f: f}, nil
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

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errFileClosed
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, errFileClosed
	}
	var out []RunRecord
	err := s.scanLocked(ctx, func(r RunRecord, _ []byte) {
		if task == "" || r.Task == task {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errFileClosed
	}

	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(out)
	removed := 0
	err = s.scanLocked(ctx, func(r RunRecord, line []byte) {
		if r.Started.Before(before) {
			removed++
			return
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	// Swap the compacted file in and reopen for appends.
	if err := s.f.Close(); err != nil {
		s.log.Debug("run journal close before swap failed", logx.Err(err))
	}
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		_ = s.reopenLocked()
		return 0, err
	}
	if err := s.reopenLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *fileStore) reopenLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Error("run journal reopen failed", logx.Err(err))
		return err
	}
	s.f = f
	return nil
}

// scanLocked calls fn for every decodable line. Malformed lines are skipped.
func (s *fileStore) scanLocked(ctx context.Context, fn func(RunRecord, []byte)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		fn(r, sc.Bytes())
	}
	return sc.Err()
}

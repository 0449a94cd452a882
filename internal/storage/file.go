package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"notifyd/pkg/logx"
)

// fileStore is a dependency-free journal backend: one JSON Lines file,
// mirrored in memory and rewritten on prune.
type fileStore struct {
	log  logx.Logger
	path string

	mu   sync.Mutex
	f    *os.File
	recs []Record
	last map[string]int // job id -> index in recs
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, last: map[string]int{}}
	skipped, err := s.replay()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped malformed journal lines", logx.Int("count", skipped))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() (skipped int, err error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.JobID == "" {
			skipped++
			continue
		}
		s.add(r)
	}
	return skipped, sc.Err()
}

func (s *fileStore) add(r Record) {
	s.recs = append(s.recs, r)
	s.last[r.JobID] = len(s.recs) - 1
}

func (s *fileStore) Append(_ context.Context, r Record) error {
	if r.JobID == "" {
		return errors.New("storage: record without job id")
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.add(r)
	return nil
}

func (s *fileStore) Last(_ context.Context, jobID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.last[jobID]
	if !ok {
		return Record{}, false, nil
	}
	return s.recs[i], true, nil
}

func (s *fileStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.recs[i])
	}
	return out, nil
}

func (s *fileStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrClosed
	}
	keep := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		if !r.At.Before(before) {
			keep = append(keep, r)
		}
	}
	dropped := len(s.recs) - len(keep)
	if dropped == 0 {
		return 0, nil
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}

	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	_ = s.f.Close()
	s.f = nf
	s.recs = s.recs[:0]
	clear(s.last)
	for _, r := range keep {
		s.add(r)
	}
	return dropped, nil
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

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

	logx "taskcore/pkg/logx"
)

// fileStore persists jobs without an external database.
//
// Files:
//   - <prefix>.jobs.snapshot.json (periodic snapshot)
//   - <prefix>.jobs.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	jobs map[string]Record
	meta map[string]string

	writes       int
	compactEvery int
}

type fileSnapshot struct {
	Jobs map[string]Record `json:"jobs"`
	Meta map[string]string `json:"meta"`
}

const (
	opPut     = "put"
	opDelete  = "del"
	opPutMeta = "meta"
)

type journalRecord struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Data  Record `json:"data,omitempty"`
	Value string `json:"value,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".jobs.snapshot.json"
	journalPath := prefix + ".jobs.journal.jsonl"

	snap := fileSnapshot{Jobs: map[string]Record{}, Meta: map[string]string{}}
	if err := loadSnapshot(snapPath, &snap); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage.snapshot_unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &snap); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage.journal_unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("storage.opened", logx.String("path", path), logx.Int("jobs", len(snap.Jobs)))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		jobs:         snap.Jobs,
		meta:         snap.Meta,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journalFile.Close()
	s.journalFile = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) PutJob(ctx context.Context, key string, rec Record) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	rec = rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opPut, Key: key, Data: rec}); err != nil {
		return err
	}
	s.jobs[key] = rec
	return nil
}

func (s *fileStore) GetJob(ctx context.Context, key string) (Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, false, ErrClosed
	}
	rec, ok := s.jobs[key]
	return rec.Clone(), ok, nil
}

func (s *fileStore) DeleteJob(ctx context.Context, key string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return false, ErrClosed
	}
	if _, ok := s.jobs[key]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalRecord{Op: opDelete, Key: key}); err != nil {
		return false, err
	}
	delete(s.jobs, key)
	return true, nil
}

func (s *fileStore) ListJobs(ctx context.Context) (map[string]Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	out := make(map[string]Record, len(s.jobs))
	for k, v := range s.jobs {
		out[k] = v.Clone()
	}
	return out, nil
}

func (s *fileStore) PutMeta(ctx context.Context, key, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opPutMeta, Key: key, Value: value}); err != nil {
		return err
	}
	s.meta[key] = value
	return nil
}

func (s *fileStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return "", false, ErrClosed
	}
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.compactEvery > 0 && s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage.compact_failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Jobs: s.jobs, Meta: s.meta}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileSnapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Jobs {
		out.Jobs[k] = v
	}
	for k, v := range snap.Meta {
		out.Meta[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileSnapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail after a crash; skip.
			continue
		}
		if r.Key == "" {
			continue
		}
		switch r.Op {
		case opPut:
			out.Jobs[r.Key] = r.Data
		case opDelete:
			delete(out.Jobs, r.Key)
		case opPutMeta:
			out.Meta[r.Key] = r.Value
		}
	}
	return sc.Err()
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	logx "bellkeeper/pkg/logx"
)

// fileStore keeps state in small files.
//
// Files:
//   - <prefix>.state.json             (rewritten on every PutState)
//   - <prefix>.markers.snapshot.json  (periodic snapshot)
//   - <prefix>.markers.journal.jsonl  (append-only journal)
//
// The marker journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger
	fs  afero.Fs

	mu sync.Mutex

	statePath string
	state     map[string]string

	markerSnapshotPath string
	markerJournal      afero.File
	markers            map[string]int64 // unix milli

	markerWrites int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:                log,
		fs:                 fs,
		statePath:          prefix + ".state.json",
		state:              map[string]string{},
		markerSnapshotPath: prefix + ".markers.snapshot.json",
		markers:            map[string]int64{},
		compactEvery:       256,
	}
	if err := st.loadState(); err != nil {
		log.Warn("state file unreadable; starting empty", logx.String("path", st.statePath), logx.Err(err))
	}

	journalPath := prefix + ".markers.journal.jsonl"
	_ = st.loadMarkerSnapshot()
	_ = st.replayMarkerJournal(journalPath)
	pruneExpired(st.markers, time.Now())

	jf, err := fs.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.markerJournal = jf
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markerJournal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.markerJournal.Close(); err == nil {
		err = cerr
	}
	s.markerJournal = nil
	return err
}

func (s *fileStore) GetState(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok, nil
}

func (s *fileStore) PutState(_ context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markerJournal == nil {
		return errors.New("storage closed")
	}
	if cur, ok := s.state[key]; ok && cur == value {
		return nil
	}
	s.state[key] = value
	return s.writeJSONLocked(s.statePath, s.state)
}

func (s *fileStore) PutMarker(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markerJournal == nil {
		return errors.New("marker journal closed")
	}
	s.markers[key] = ms
	if err := json.NewEncoder(s.markerJournal).Encode(markerRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.markerWrites++
	if s.markerWrites%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("marker compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetMarker(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.markers[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpired(s.markers, time.Now())
	if err := s.writeJSONLocked(s.markerSnapshotPath, s.markers); err != nil {
		return err
	}
	if err := s.markerJournal.Truncate(0); err != nil {
		return err
	}
	_, err := s.markerJournal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) writeJSONLocked(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return err
	}
	return s.fs.Rename(tmp, path)
}

func (s *fileStore) loadState() error {
	b, err := afero.ReadFile(s.fs, s.statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return json.Unmarshal(b, &s.state)
}

func (s *fileStore) loadMarkerSnapshot() error {
	b, err := afero.ReadFile(s.fs, s.markerSnapshotPath)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		s.markers[k] = v
	}
	return nil
}

func (s *fileStore) replayMarkerJournal(path string) error {
	f, err := s.fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r markerRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		s.markers[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpired(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}

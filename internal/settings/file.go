package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
	yaml "go.yaml.in/yaml/v3"

	"bellkeeper/pkg/fswatch"
	logx "bellkeeper/pkg/logx"
)

// FileStore keeps settings in a JSON or YAML document (chosen by extension).
//
// Scalar values are stored as strings; lists are stored as their JSON
// encoding so "bells.days: [1, 2]" reads back as "[1,2]".
type FileStore struct {
	path string
	fs   afero.Fs
	log  logx.Logger

	mu       sync.RWMutex
	vals     Values
	lastHash uint64

	// wmu serializes Set so concurrent writers don't interleave renames.
	wmu sync.Mutex

	subs fanout
}

// OpenFile loads path (a missing file is an empty store).
func OpenFile(fs afero.Fs, path string, log logx.Logger) (*FileStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &FileStore{path: path, fs: fs, log: log, vals: Values{}}
	vals, err := s.parse()
	if err != nil {
		return nil, err
	}
	s.vals = vals
	s.lastHash = hashValues(vals)
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[key]
	return v, ok
}

func (s *FileStore) Snapshot() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Values, len(s.vals))
	for k, v := range s.vals {
		out[k] = v
	}
	return out
}

func (s *FileStore) Subscribe(buffer int) (<-chan Values, func()) {
	return s.subs.subscribe(buffer)
}

// Set writes key and persists the whole document (temp file + rename).
func (s *FileStore) Set(key, value string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	next := s.Snapshot()
	if cur, ok := next[key]; ok && cur == value {
		return nil
	}
	next[key] = value
	if err := s.write(next); err != nil {
		return err
	}
	s.commit(next)
	return nil
}

// Reload re-reads the file and publishes if the content changed.
func (s *FileStore) Reload() error {
	vals, err := s.parse()
	if err != nil {
		return err
	}
	h := hashValues(vals)
	s.mu.RLock()
	unchanged := h == s.lastHash
	s.mu.RUnlock()
	if unchanged {
		s.log.Debug("settings unchanged; skipping publish", logx.String("path", s.path))
		return nil
	}
	s.commit(vals)
	s.log.Debug("settings published", logx.String("path", s.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return nil
}

func (s *FileStore) commit(vals Values) {
	s.mu.Lock()
	s.vals = vals
	s.lastHash = hashValues(vals)
	s.mu.Unlock()
	s.subs.publish(vals)
}

func (s *FileStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

func (s *FileStore) parse() (Values, error) {
	b, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if exists, _ := afero.Exists(s.fs, s.path); !exists {
			return Values{}, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return Values{}, nil
	}
	var raw map[string]any
	if s.isYAML() {
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("settings: yaml unmarshal: %w", err)
		}
	} else {
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("settings: json unmarshal: %w", err)
		}
	}
	out := make(Values, len(raw))
	for k, v := range raw {
		out[k] = stringify(v)
	}
	return out, nil
}

func (s *FileStore) write(vals Values) error {
	var (
		b   []byte
		err error
	)
	if s.isYAML() {
		b, err = yaml.Marshal(map[string]string(vals))
	} else {
		b, err = json.MarshalIndent(map[string]string(vals), "", "  ")
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.path)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(normalizeYAML(x))
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

func hashValues(v Values) uint64 {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(v[k]))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Watch reloads the document whenever it changes on disk until ctx is done.
func (s *FileStore) Watch(ctx context.Context) error {
	return fswatch.Watch(ctx, s.log.Named("settings"), s.path, fswatch.Options{}, func() {
		if err := s.Reload(); err != nil {
			s.log.Warn("settings reload failed", logx.String("path", s.path), logx.Err(err))
		}
	})
}

package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-appsec/interceptor/socketghost/protocol"
)

// JSONLFileName is the append log created in the data directory.
const JSONLFileName = "index.jsonl"

// maxLineBytes bounds a single record line when scanning the log.
const maxLineBytes = 64 << 20

// JSONLStore is the append-log FlowStore used when SQLite is unavailable.
// Every operation runs under one exclusive lock because deletes and pruning
// rewrite the whole file.
type JSONLStore struct {
	path string
	mu   sync.Mutex
}

var _ FlowStore = (*JSONLStore)(nil)

// NewJSONLStore returns a store backed by the log file at path.
func NewJSONLStore(path string) *JSONLStore {
	return &JSONLStore{path: path}
}

func (s *JSONLStore) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	return f.Close()
}

// withLock holds the in-process mutex and the advisory file lock for fn.
func (s *JSONLStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lf, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lf.Close() }()
	if err := lockFile(lf); err != nil {
		return fmt.Errorf("lock log: %w", err)
	}
	defer func() { _ = unlockFile(lf) }()

	return fn()
}

func (s *JSONLStore) Store(ctx context.Context, flow *protocol.StoredFlow) error {
	line, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}
	line = append(line, '\n')

	return s.withLock(func() error {
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return fmt.Errorf("append flow: %w", err)
		}
		return f.Close()
	})
}

func (s *JSONLStore) Get(ctx context.Context, id string) (*protocol.StoredFlow, error) {
	var found *protocol.StoredFlow
	err := s.withLock(func() error {
		flows, err := s.readAll()
		if err != nil {
			return err
		}
		if i := slices.IndexFunc(flows, func(f *protocol.StoredFlow) bool { return f.ID == id }); i >= 0 {
			found = flows[i]
		}
		return nil
	})
	if err != nil {
		return nil, err
	} else if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *JSONLStore) List(ctx context.Context, limit, offset int, filter protocol.FlowFilter) ([]protocol.FlowMetadata, error) {
	limit, offset = normalizePage(limit, offset)

	var matched []*protocol.StoredFlow
	err := s.withLock(func() error {
		flows, err := s.readAll()
		if err != nil {
			return err
		}
		for _, f := range flows {
			if matchesFilter(f, filter) {
				matched = append(matched, f)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortNewestFirst(matched)
	result := make([]protocol.FlowMetadata, 0, limit)
	for i := offset; i < len(matched) && len(result) < limit; i++ {
		result = append(result, matched[i].Metadata())
	}
	return result, nil
}

func (s *JSONLStore) Delete(ctx context.Context, id string) error {
	return s.withLock(func() error {
		flows, err := s.readAll()
		if err != nil {
			return err
		}
		kept := slices.DeleteFunc(flows, func(f *protocol.StoredFlow) bool { return f.ID == id })
		if len(kept) == len(flows) {
			return ErrNotFound
		}
		return s.rewrite(kept)
	})
}

func (s *JSONLStore) Prune(ctx context.Context, retentionDays int, maxTotalBytes int64) (int, error) {
	var removed int
	err := s.withLock(func() error {
		flows, err := s.readAll()
		if err != nil {
			return err
		}
		before := len(flows)

		if retentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			flows = slices.DeleteFunc(flows, func(f *protocol.StoredFlow) bool {
				return f.CapturedAt.Before(cutoff)
			})
		}
		if maxTotalBytes > 0 && totalSize(flows) > maxTotalBytes {
			sortNewestFirst(flows)
			// one pass per prune drops the oldest fifth; later prunes continue
			flows = flows[:len(flows)-max(len(flows)/5, 1)]
			slices.Reverse(flows)
		}

		removed = before - len(flows)
		if removed == 0 {
			return nil
		}
		return s.rewrite(flows)
	})
	return removed, err
}

func (s *JSONLStore) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := s.withLock(func() error {
		flows, err := s.readAll()
		if err != nil {
			return err
		}
		total = totalSize(flows)
		return nil
	})
	return total, err
}

func (s *JSONLStore) Close() error {
	return nil
}

// readAll loads every record, keeping the last line written for a given id.
// Caller must hold the lock.
func (s *JSONLStore) readAll() ([]*protocol.StoredFlow, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	var flows []*protocol.StoredFlow
	index := make(map[string]int)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f protocol.StoredFlow
		if err := json.Unmarshal(line, &f); err != nil {
			log.Warn().Err(err).Int("line", lineNo).Str("path", s.path).Msg("store: skipping malformed log line")
			continue
		}
		if i, ok := index[f.ID]; ok {
			flows[i] = &f
			continue
		}
		index[f.ID] = len(flows)
		flows = append(flows, &f)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	return flows, nil
}

// rewrite atomically replaces the log with flows. Caller must hold the lock.
func (s *JSONLStore) rewrite(flows []*protocol.StoredFlow) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, f := range flows {
		if err := enc.Encode(f); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("encode flow: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp log: %w", err)
	} else if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp log: %w", err)
	} else if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace log: %w", err)
	}
	return nil
}

func totalSize(flows []*protocol.StoredFlow) int64 {
	var total int64
	for _, f := range flows {
		total += f.SizeBytes
	}
	return total
}

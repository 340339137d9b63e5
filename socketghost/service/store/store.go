package store

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/go-appsec/interceptor/socketghost/protocol"
)

// ErrNotFound is returned when a flow id is not present in the store.
var ErrNotFound = errors.New("flow not found")

// DefaultListLimit is applied when List is called without a positive limit.
const DefaultListLimit = 50

// FlowStore persists completed flows. Implementations must be safe for
// concurrent use; conflicting writes are serialized internally.
type FlowStore interface {
	// Initialize prepares the backing storage, creating it if needed.
	Initialize(ctx context.Context) error
	// Store inserts the flow, replacing any existing flow with the same id.
	Store(ctx context.Context, flow *protocol.StoredFlow) error
	// Get returns the flow or ErrNotFound.
	Get(ctx context.Context, id string) (*protocol.StoredFlow, error)
	// List returns matching flows newest-first.
	List(ctx context.Context, limit, offset int, filter protocol.FlowFilter) ([]protocol.FlowMetadata, error)
	// Delete removes the flow or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	// Prune evicts flows older than retentionDays, then oldest-first until the
	// total size is at most maxTotalBytes. Zero disables either pass.
	Prune(ctx context.Context, retentionDays int, maxTotalBytes int64) (int, error)
	// TotalSize returns the sum of SizeBytes across all stored flows.
	TotalSize(ctx context.Context) (int64, error)
	Close() error
}

// Serialize encodes a value for storage.
func Serialize(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Deserialize decodes a value produced by Serialize.
func Deserialize(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return limit, max(offset, 0)
}

// matchesFilter applies FlowFilter semantics in memory.
func matchesFilter(f *protocol.StoredFlow, filter protocol.FlowFilter) bool {
	if filter.PID != nil && f.PID != *filter.PID {
		return false
	} else if filter.Method != "" && f.Method != filter.Method {
		return false
	} else if filter.Since != nil && f.CapturedAt.Before(*filter.Since) {
		return false
	}
	if filter.Query != "" {
		q := foldCase(filter.Query)
		if !strings.Contains(foldCase(f.URL), q) && !strings.Contains(foldCase(f.Method), q) {
			return false
		}
	}
	return true
}

// foldCase is the case folding shared by every backend's query matching.
func foldCase(s string) string {
	return strings.ToLower(s)
}

// sortNewestFirst orders flows by capture time, newest first, id as tiebreaker.
func sortNewestFirst(flows []*protocol.StoredFlow) {
	slices.SortStableFunc(flows, func(a, b *protocol.StoredFlow) int {
		if c := b.CapturedAt.Compare(a.CapturedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/go-appsec/interceptor/socketghost/config"
	"github.com/go-appsec/interceptor/socketghost/protocol"
)

const (
	// FlowsDirName holds per-flow directories of offloaded bodies.
	FlowsDirName = "flows"

	// PreviewBytes is how much of an offloaded body stays inline.
	PreviewBytes = 1024
	// TruncatedMarker is appended to the inline preview of an offloaded body.
	TruncatedMarker = "... (truncated)"

	PartRequest  = "request"
	PartResponse = "response"
)

// ErrInvalidPart is returned by BodyReader for an unknown body part.
var ErrInvalidPart = errors.New("body part must be request or response")

// Service wraps a FlowStore with large-body offload, pruning and per-flow
// file cleanup. It is shared by every flow completion.
type Service struct {
	backend     FlowStore
	backendName string
	flowsDir    string
	cfg         config.StorageConfig
}

// NewService wraps an initialized backend. Offloaded bodies go under dataDir/flows.
func NewService(backend FlowStore, backendName, dataDir string, cfg config.StorageConfig) *Service {
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = config.DefaultMaxInlineBytes
	}
	return &Service{
		backend:     backend,
		backendName: backendName,
		flowsDir:    filepath.Join(dataDir, FlowsDirName),
		cfg:         cfg,
	}
}

// Open selects and initializes a backend according to cfg.Backend. In auto
// mode SQLite is tried first and any initialization failure falls back to
// the JSONL log. The startup prune runs when enabled.
func Open(ctx context.Context, cfg config.StorageConfig, dataDir string) (*Service, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	var backend FlowStore
	var name string
	switch cfg.Backend {
	case config.BackendSQLite:
		sq := NewSQLiteStore(filepath.Join(dataDir, SQLiteFileName))
		if err := sq.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize sqlite store: %w", err)
		}
		backend, name = sq, config.BackendSQLite
	case config.BackendJSONL:
		jl := NewJSONLStore(filepath.Join(dataDir, JSONLFileName))
		if err := jl.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize jsonl store: %w", err)
		}
		backend, name = jl, config.BackendJSONL
	default:
		sq := NewSQLiteStore(filepath.Join(dataDir, SQLiteFileName))
		err := sq.Initialize(ctx)
		if err == nil {
			backend, name = sq, config.BackendSQLite
			break
		}
		log.Warn().Err(err).Msg("store: sqlite unavailable, falling back to jsonl")
		jl := NewJSONLStore(filepath.Join(dataDir, JSONLFileName))
		if err := jl.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("initialize jsonl store: %w", err)
		}
		backend, name = jl, config.BackendJSONL
	}
	log.Info().Str("backend", name).Str("dir", dataDir).Msg("store: flow storage ready")

	s := NewService(backend, name, dataDir, cfg)
	if cfg.AutoPruneOnStart {
		if _, err := s.Prune(ctx); err != nil {
			log.Warn().Err(err).Msg("store: startup prune failed")
		}
	}
	return s, nil
}

// Config returns the storage settings in effect.
func (s *Service) Config() config.StorageConfig {
	return s.cfg
}

// Backend names the active backend.
func (s *Service) Backend() string {
	return s.backendName
}

// Store persists the flow, offloading any preview larger than the inline
// threshold to disk. The flow's previews are rewritten in place when offloaded.
func (s *Service) Store(ctx context.Context, flow *protocol.StoredFlow) error {
	if flow.ID == "" {
		return errors.New("flow id is required")
	}
	var err error
	if flow.Request.FullBodyPath, err = s.offload(flow.ID, PartRequest, &flow.Request.BodyPreview, flow.Request.FullBodyPath); err != nil {
		return err
	}
	if flow.Response.FullBodyPath, err = s.offload(flow.ID, PartResponse, &flow.Response.BodyPreview, flow.Response.FullBodyPath); err != nil {
		return err
	}
	return s.backend.Store(ctx, flow)
}

func (s *Service) offload(id, part string, preview *string, existingPath string) (string, error) {
	if len(*preview) <= s.cfg.MaxInlineBytes {
		return existingPath, nil
	}
	dir := s.flowDir(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create flow directory: %w", err)
	}
	path := filepath.Join(dir, part+".bin")
	if err := os.WriteFile(path, []byte(*preview), 0o600); err != nil {
		return "", fmt.Errorf("write %s body: %w", part, err)
	}
	*preview = truncatePreview(*preview)
	return path, nil
}

// truncatePreview keeps the first PreviewBytes bytes, backing off so a
// multi-byte rune is not split, and appends TruncatedMarker.
func truncatePreview(body string) string {
	n := PreviewBytes
	if len(body) <= n {
		return body
	}
	for n > 0 && !utf8.RuneStart(body[n]) {
		n--
	}
	return body[:n] + TruncatedMarker
}

// Get returns the flow or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*protocol.StoredFlow, error) {
	return s.backend.Get(ctx, id)
}

// List returns matching flows newest-first. A non-positive limit lists
// DefaultListLimit flows; a negative offset starts at the beginning.
func (s *Service) List(ctx context.Context, limit, offset int, filter protocol.FlowFilter) ([]protocol.FlowMetadata, error) {
	limit, offset = normalizePage(limit, offset)
	return s.backend.List(ctx, limit, offset, filter)
}

// Delete removes the flow and its offloaded bodies.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.flowDir(id)); err != nil {
		log.Warn().Err(err).Str("flowId", id).Msg("store: failed to remove flow files")
	}
	return nil
}

// Prune applies the configured retention window and size budget.
func (s *Service) Prune(ctx context.Context) (int, error) {
	return s.PruneWith(ctx, s.cfg.RetentionDays, s.cfg.MaxTotalBytes)
}

// PruneWith evicts flows by age then size and removes orphaned flow directories.
func (s *Service) PruneWith(ctx context.Context, retentionDays int, maxTotalBytes int64) (int, error) {
	removed, err := s.backend.Prune(ctx, retentionDays, maxTotalBytes)
	if err != nil {
		return removed, fmt.Errorf("prune flows: %w", err)
	}
	orphans := s.removeOrphans(ctx)
	log.Info().Int("removed", removed).Int("orphanDirs", orphans).
		Int("retentionDays", retentionDays).Int64("maxTotalBytes", maxTotalBytes).
		Msg("store: prune complete")
	return removed, nil
}

// removeOrphans deletes flow directories with no stored flow.
func (s *Service) removeOrphans(ctx context.Context) int {
	entries, err := os.ReadDir(s.flowsDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Msg("store: failed to scan flow directories")
		}
		return 0
	}
	var removed int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := s.backend.Get(ctx, e.Name()); !errors.Is(err, ErrNotFound) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.flowsDir, e.Name())); err != nil {
			log.Warn().Err(err).Str("flowId", e.Name()).Msg("store: failed to remove orphaned flow files")
			continue
		}
		removed++
	}
	return removed
}

// TotalSize returns the summed SizeBytes of all stored flows.
func (s *Service) TotalSize(ctx context.Context) (int64, error) {
	return s.backend.TotalSize(ctx)
}

// BodyReader opens the full body of one side of a flow. The offloaded file
// is preferred; the inline preview is used when no file exists.
func (s *Service) BodyReader(ctx context.Context, id, part string) (io.ReadCloser, error) {
	flow, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var preview, path string
	switch part {
	case PartRequest:
		preview, path = flow.Request.BodyPreview, flow.Request.FullBodyPath
	case PartResponse:
		preview, path = flow.Response.BodyPreview, flow.Response.FullBodyPath
	default:
		return nil, ErrInvalidPart
	}

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s body: %w", part, err)
		}
		log.Debug().Str("flowId", id).Str("path", path).Msg("store: offloaded body missing, serving preview")
	}
	return io.NopCloser(strings.NewReader(preview)), nil
}

func (s *Service) Close() error {
	return s.backend.Close()
}

func (s *Service) flowDir(id string) string {
	return filepath.Join(s.flowsDir, filepath.Base(id))
}

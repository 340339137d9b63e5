package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/go-appsec/interceptor/socketghost/protocol"
)

// ErrInvalidImport wraps validation failures of an import document.
var ErrInvalidImport = errors.New("invalid import document")

// DecodeFlows parses a JSON document holding one StoredFlow or an array of
// them. Every flow must carry a method and URL; nothing is returned unless
// the whole document is valid.
func DecodeFlows(data []byte) ([]*protocol.StoredFlow, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}

	var flows []*protocol.StoredFlow
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &flows); err != nil {
			return nil, err
		}
	} else {
		var f protocol.StoredFlow
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, err
		}
		flows = append(flows, &f)
	}

	for i, f := range flows {
		if f == nil {
			return nil, fmt.Errorf("flow %d is null", i)
		} else if f.Method == "" || f.URL == "" {
			return nil, fmt.Errorf("flow %d: method and url are required", i)
		}
	}
	return flows, nil
}

// PrepareImported assigns a fresh id, fills missing fields and drops body
// file references, which point into another installation's data dir.
func PrepareImported(f *protocol.StoredFlow) {
	f.ID = uuid.NewString()
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now().UTC()
	}
	if f.ScriptApplied == nil {
		f.ScriptApplied = []string{}
	}
	f.Request.FullBodyPath = ""
	f.Response.FullBodyPath = ""
	if f.SizeBytes <= 0 {
		f.SizeBytes = int64(len(f.Request.BodyPreview) + len(f.Response.BodyPreview))
	}
}

// Import validates data, then stores every flow under a new id. The new ids
// are returned in document order.
func (s *Service) Import(ctx context.Context, data []byte) ([]string, error) {
	flows, err := DecodeFlows(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImport, err)
	}
	ids := make([]string, 0, len(flows))
	for _, f := range flows {
		PrepareImported(f)
		if err := s.Store(ctx, f); err != nil {
			return ids, fmt.Errorf("store imported flow: %w", err)
		}
		ids = append(ids, f.ID)
	}
	return ids, nil
}

// Export loads a flow with any offloaded bodies read back inline, so the
// result is self-contained.
func (s *Service) Export(ctx context.Context, id string) (*protocol.StoredFlow, error) {
	flow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.Request.FullBodyPath != "" {
		if flow.Request.BodyPreview, err = s.readBody(ctx, id, PartRequest); err != nil {
			return nil, err
		}
		flow.Request.FullBodyPath = ""
	}
	if flow.Response.FullBodyPath != "" {
		if flow.Response.BodyPreview, err = s.readBody(ctx, id, PartResponse); err != nil {
			return nil, err
		}
		flow.Response.FullBodyPath = ""
	}
	return flow, nil
}

func (s *Service) readBody(ctx context.Context, id, part string) (string, error) {
	rc, err := s.BodyReader(ctx, id, part)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read %s body: %w", part, err)
	}
	return string(data), nil
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/go-appsec/interceptor/socketghost/config"
	"github.com/go-appsec/interceptor/socketghost/protocol"
	"github.com/go-appsec/interceptor/socketghost/service/replay"
	"github.com/go-appsec/interceptor/socketghost/service/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	total, err := s.flows.TotalSize(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("api: failed to compute total size")
	}
	var paused int
	if s.interceptor != nil {
		paused = len(s.interceptor.Paused())
	}
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:      "ok",
		Version:     config.Version,
		Backend:     s.flows.Backend(),
		PausedFlows: paused,
		TotalBytes:  total,
	})
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	limit, offset, filter, err := parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	flows, err := s.flows.List(r.Context(), limit, offset, filter)
	if err != nil {
		log.Error().Err(err).Msg("api: list flows failed")
		writeError(w, http.StatusInternalServerError, "failed to list flows", "")
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

// parseListQuery reads limit, offset, pid, method, query and since (RFC 3339
// or unix milliseconds). q is accepted as a short alias for query. Absent
// parameters do not filter.
func parseListQuery(r *http.Request) (limit, offset int, filter protocol.FlowFilter, err error) {
	q := r.URL.Query()
	limit = store.DefaultListLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, filter, fmt.Errorf("limit must be an integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			return 0, 0, filter, fmt.Errorf("offset must be an integer")
		}
	}
	if v := q.Get("pid"); v != "" {
		pid, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, filter, fmt.Errorf("pid must be an integer")
		}
		filter.PID = &pid
	}
	filter.Method = q.Get("method")
	filter.Query = q.Get("query")
	if filter.Query == "" {
		filter.Query = q.Get("q")
	}
	if v := q.Get("since"); v != "" {
		since, err := protocol.ParseSince(v)
		if err != nil {
			return 0, 0, filter, err
		}
		filter.Since = &since
	}
	return limit, offset, filter, nil
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

// lookup loads the flow named by the {id} route parameter, writing the error
// response when it cannot.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*protocol.StoredFlow, bool) {
	id := chi.URLParam(r, "id")
	flow, err := s.flows.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "flow not found", "")
		return nil, false
	} else if err != nil {
		log.Error().Err(err).Str("flowId", id).Msg("api: get flow failed")
		writeError(w, http.StatusInternalServerError, "failed to load flow", "")
		return nil, false
	}
	return flow, true
}

func (s *Server) handleBody(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	part := store.PartRequest
	if strings.HasSuffix(r.URL.Path, "/response") {
		part = store.PartResponse
	}

	body, err := s.flows.BodyReader(r.Context(), id, part)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "flow not found", "")
		return
	} else if err != nil {
		log.Error().Err(err).Str("flowId", id).Str("part", part).Msg("api: open body failed")
		writeError(w, http.StatusInternalServerError, "failed to read body", "")
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Debug().Err(err).Str("flowId", id).Msg("api: body copy interrupted")
	}
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.flows.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "flow not found", "")
		return
	} else if err != nil {
		log.Error().Err(err).Str("flowId", id).Msg("api: delete flow failed")
		writeError(w, http.StatusInternalServerError, "failed to delete flow", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	if _, err := s.flows.Prune(r.Context()); err != nil {
		log.Error().Err(err).Msg("api: prune failed")
		writeError(w, http.StatusInternalServerError, "failed to prune flows", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImport stores one flow or an array of flows under new ids. The whole
// payload is validated before anything is stored.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid import payload", err.Error())
		return
	}
	ids, err := s.flows.Import(r.Context(), data)
	if errors.Is(err, store.ErrInvalidImport) {
		writeError(w, http.StatusBadRequest, "invalid import payload", err.Error())
		return
	} else if err != nil {
		log.Error().Err(err).Int("stored", len(ids)).Msg("api: import failed")
		writeError(w, http.StatusInternalServerError, "failed to store imported flows", "")
		return
	}
	log.Info().Int("count", len(ids)).Msg("api: flows imported")
	writeJSON(w, http.StatusOK, protocol.ImportResponse{IDs: ids})
}

// handleReplay queues a replay of a stored flow. Confirmation is required via
// the confirm header or the confirm body field; body fields override the
// stored request.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req protocol.ReplayRequest
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReplayRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid replay request", err.Error())
		return
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid replay request", err.Error())
			return
		}
	}
	if !req.Confirm && !strings.EqualFold(r.Header.Get(protocol.ConfirmHeader), "true") {
		writeError(w, http.StatusBadRequest, "replay requires confirmation",
			"set "+protocol.ConfirmHeader+": true or send {\"confirm\":true}")
		return
	}
	if s.interceptor == nil {
		writeError(w, http.StatusServiceUnavailable, "replay unavailable", "")
		return
	}

	flow, ok := s.lookup(w, r)
	if !ok {
		return
	}

	method, target := flow.Method, flow.URL
	if req.Method != nil && *req.Method != "" {
		method = *req.Method
	}
	if req.URL != nil && *req.URL != "" {
		target = *req.URL
	}
	headers := replay.MergeHeaders(flow.Request.Headers, req.Headers)
	var body string
	if req.Body != nil {
		body = *req.Body
	} else if body, err = s.requestBody(r, flow); err != nil {
		log.Warn().Err(err).Str("flowId", flow.ID).Msg("api: falling back to body preview for replay")
		body = flow.Request.BodyPreview
	}

	go s.interceptor.Replay(s.replayCtx, flow.ID, method, target, headers, body)

	writeJSON(w, http.StatusOK, protocol.ReplayQueuedResponse{Status: "queued", FlowID: flow.ID})
}

// requestBody returns the full stored request body, reading any offloaded file.
func (s *Server) requestBody(r *http.Request, flow *protocol.StoredFlow) (string, error) {
	rc, err := s.flows.BodyReader(r.Context(), flow.ID, store.PartRequest)
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/interceptor/socketghost/config"
	"github.com/go-appsec/interceptor/socketghost/protocol"
)

func newTestService(t *testing.T, maxInline int) (*Service, string) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig().Storage
	cfg.Backend = config.BackendJSONL
	cfg.MaxInlineBytes = maxInline
	svc, err := Open(t.Context(), cfg, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, dir
}

func readBody(t *testing.T, svc *Service, id, part string) string {
	t.Helper()

	rc, err := svc.BodyReader(t.Context(), id, part)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestServiceOffload(t *testing.T) {
	t.Parallel()

	t.Run("large_bodies_offloaded", func(t *testing.T) {
		svc, dir := newTestService(t, 2048)

		reqBody := strings.Repeat("a", 5000)
		respBody := strings.Repeat("b", 3000)
		f := testStoredFlow("big", time.Now())
		f.Request.BodyPreview = reqBody
		f.Response.BodyPreview = respBody
		f.SizeBytes = int64(len(reqBody) + len(respBody))
		require.NoError(t, svc.Store(t.Context(), f))

		got, err := svc.Get(t.Context(), "big")
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("a", PreviewBytes)+TruncatedMarker, got.Request.BodyPreview)
		assert.Equal(t, strings.Repeat("b", PreviewBytes)+TruncatedMarker, got.Response.BodyPreview)
		assert.Equal(t, filepath.Join(dir, FlowsDirName, "big", "request.bin"), got.Request.FullBodyPath)
		assert.Equal(t, filepath.Join(dir, FlowsDirName, "big", "response.bin"), got.Response.FullBodyPath)
		assert.Equal(t, int64(8000), got.SizeBytes)

		assert.Equal(t, reqBody, readBody(t, svc, "big", PartRequest))
		assert.Equal(t, respBody, readBody(t, svc, "big", PartResponse))
	})

	t.Run("small_bodies_inline", func(t *testing.T) {
		svc, dir := newTestService(t, 2048)

		f := testStoredFlow("small", time.Now())
		f.Request.BodyPreview = `{"a":1}`
		require.NoError(t, svc.Store(t.Context(), f))

		got, err := svc.Get(t.Context(), "small")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, got.Request.BodyPreview)
		assert.Empty(t, got.Request.FullBodyPath)
		assert.NoDirExists(t, filepath.Join(dir, FlowsDirName, "small"))

		assert.Equal(t, `{"a":1}`, readBody(t, svc, "small", PartRequest))
		assert.Equal(t, "ok", readBody(t, svc, "small", PartResponse))
	})

	t.Run("threshold_is_inclusive", func(t *testing.T) {
		svc, _ := newTestService(t, 2048)

		f := testStoredFlow("edge", time.Now())
		f.Request.BodyPreview = strings.Repeat("x", 2048)
		require.NoError(t, svc.Store(t.Context(), f))

		got, err := svc.Get(t.Context(), "edge")
		require.NoError(t, err)
		assert.Len(t, got.Request.BodyPreview, 2048)
		assert.Empty(t, got.Request.FullBodyPath)
	})

	t.Run("missing_file_serves_preview", func(t *testing.T) {
		svc, _ := newTestService(t, 2048)

		f := testStoredFlow("gone", time.Now())
		f.Response.BodyPreview = strings.Repeat("z", 4096)
		require.NoError(t, svc.Store(t.Context(), f))
		got, err := svc.Get(t.Context(), "gone")
		require.NoError(t, err)
		require.NoError(t, os.Remove(got.Response.FullBodyPath))

		assert.Equal(t, got.Response.BodyPreview, readBody(t, svc, "gone", PartResponse))
	})

	t.Run("missing_id_rejected", func(t *testing.T) {
		svc, _ := newTestService(t, 2048)

		assert.Error(t, svc.Store(t.Context(), &protocol.StoredFlow{}))
	})
}

func TestTruncatePreview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "short_unchanged", body: "hello", want: "hello"},
		{name: "exact_unchanged", body: strings.Repeat("a", PreviewBytes), want: strings.Repeat("a", PreviewBytes)},
		{name: "ascii_cut", body: strings.Repeat("a", PreviewBytes+10), want: strings.Repeat("a", PreviewBytes) + TruncatedMarker},
		{
			// a three-byte rune straddles the cut
			name: "rune_not_split",
			body: strings.Repeat("a", PreviewBytes-1) + "€" + "tail",
			want: strings.Repeat("a", PreviewBytes-1) + TruncatedMarker,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, truncatePreview(tc.body))
		})
	}
}

func TestServiceBodyReaderErrors(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, 2048)
	require.NoError(t, svc.Store(t.Context(), testStoredFlow("f", time.Now())))

	_, err := svc.BodyReader(t.Context(), "missing", PartRequest)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.BodyReader(t.Context(), "f", "headers")
	assert.ErrorIs(t, err, ErrInvalidPart)
}

func TestServiceDelete(t *testing.T) {
	t.Parallel()

	svc, dir := newTestService(t, 16)

	f := testStoredFlow("del", time.Now())
	f.Request.BodyPreview = strings.Repeat("q", 64)
	require.NoError(t, svc.Store(t.Context(), f))
	require.DirExists(t, filepath.Join(dir, FlowsDirName, "del"))

	require.NoError(t, svc.Delete(t.Context(), "del"))
	assert.NoDirExists(t, filepath.Join(dir, FlowsDirName, "del"))

	assert.ErrorIs(t, svc.Delete(t.Context(), "del"), ErrNotFound)
}

func TestServiceList(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, 2048)
	now := time.Now()
	for i := range DefaultListLimit + 5 {
		f := testStoredFlow(fmt.Sprintf("l%02d", i), now.Add(time.Duration(i)*time.Second))
		require.NoError(t, svc.Store(t.Context(), f))
	}

	t.Run("zero_limit_defaults", func(t *testing.T) {
		list, err := svc.List(t.Context(), 0, 0, protocol.FlowFilter{})
		require.NoError(t, err)
		assert.Len(t, list, DefaultListLimit)
	})

	t.Run("negative_offset_clamped", func(t *testing.T) {
		first, err := svc.List(t.Context(), 3, 0, protocol.FlowFilter{})
		require.NoError(t, err)
		clamped, err := svc.List(t.Context(), 3, -7, protocol.FlowFilter{})
		require.NoError(t, err)
		assert.Equal(t, first, clamped)
	})
}

func TestServicePrune(t *testing.T) {
	t.Parallel()

	t.Run("removes_orphan_dirs", func(t *testing.T) {
		svc, dir := newTestService(t, 16)

		old := testStoredFlow("old", time.Now().AddDate(0, 0, -90))
		old.Request.BodyPreview = strings.Repeat("o", 64)
		require.NoError(t, svc.Store(t.Context(), old))
		keep := testStoredFlow("keep", time.Now())
		keep.Request.BodyPreview = strings.Repeat("k", 64)
		require.NoError(t, svc.Store(t.Context(), keep))
		stray := filepath.Join(dir, FlowsDirName, "stray")
		require.NoError(t, os.MkdirAll(stray, 0o700))

		removed, err := svc.PruneWith(t.Context(), 30, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		assert.NoDirExists(t, filepath.Join(dir, FlowsDirName, "old"))
		assert.NoDirExists(t, stray)
		assert.DirExists(t, filepath.Join(dir, FlowsDirName, "keep"))
	})

	t.Run("configured_limits", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.DefaultConfig().Storage
		cfg.Backend = config.BackendJSONL
		cfg.AutoPruneOnStart = false
		cfg.MaxTotalBytes = 250
		cfg.RetentionDays = 0

		svc, err := Open(t.Context(), cfg, dir)
		require.NoError(t, err)
		t.Cleanup(func() { _ = svc.Close() })
		storeN(t, svc.backend, 5, time.Now())

		removed, err := svc.Prune(t.Context())
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		total, err := svc.TotalSize(t.Context())
		require.NoError(t, err)
		assert.Equal(t, int64(400), total)
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		backend     string
		blockSQLite bool
		want        string
		wantErr     bool
	}{
		{name: "auto_prefers_sqlite", backend: config.BackendAuto, want: config.BackendSQLite},
		{name: "auto_falls_back", backend: config.BackendAuto, blockSQLite: true, want: config.BackendJSONL},
		{name: "forced_jsonl", backend: config.BackendJSONL, want: config.BackendJSONL},
		{name: "forced_sqlite_fails", backend: config.BackendSQLite, blockSQLite: true, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			if tc.blockSQLite {
				// a directory where the database file belongs cannot be opened
				require.NoError(t, os.MkdirAll(filepath.Join(dir, SQLiteFileName), 0o700))
			}
			cfg := config.DefaultConfig().Storage
			cfg.Backend = tc.backend

			svc, err := Open(t.Context(), cfg, dir)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = svc.Close() })
			assert.Equal(t, tc.want, svc.Backend())

			require.NoError(t, svc.Store(t.Context(), testStoredFlow("roundtrip", time.Now())))
			_, err = svc.Get(t.Context(), "roundtrip")
			assert.NoError(t, err)
		})
	}
}

func TestOpenStartupPrune(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jl := NewJSONLStore(filepath.Join(dir, JSONLFileName))
	require.NoError(t, jl.Initialize(t.Context()))
	require.NoError(t, jl.Store(t.Context(), testStoredFlow("ancient", time.Now().AddDate(-1, 0, 0))))
	require.NoError(t, jl.Store(t.Context(), testStoredFlow("today", time.Now())))

	cfg := config.DefaultConfig().Storage
	cfg.Backend = config.BackendJSONL
	cfg.AutoPruneOnStart = true
	cfg.RetentionDays = 30
	svc, err := Open(t.Context(), cfg, dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	_, err = svc.Get(t.Context(), "ancient")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Get(t.Context(), "today")
	assert.NoError(t, err)
}

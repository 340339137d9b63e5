package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/interceptor/socketghost/protocol"
)

// eachBackend runs fn against a fresh initialized instance of every backend.
func eachBackend(t *testing.T, fn func(t *testing.T, s FlowStore)) {
	t.Helper()

	backends := []struct {
		name string
		open func(dir string) FlowStore
	}{
		{name: "sqlite", open: func(dir string) FlowStore { return NewSQLiteStore(filepath.Join(dir, SQLiteFileName)) }},
		{name: "jsonl", open: func(dir string) FlowStore { return NewJSONLStore(filepath.Join(dir, JSONLFileName)) }},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			s := b.open(t.TempDir())
			require.NoError(t, s.Initialize(t.Context()))
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func testStoredFlow(id string, capturedAt time.Time) *protocol.StoredFlow {
	return &protocol.StoredFlow{
		ID:         id,
		CapturedAt: capturedAt,
		PID:        4242,
		Method:     "GET",
		URL:        "https://example.com/" + id,
		Request: protocol.StoredFlowRequest{
			Headers:     map[string]string{"Host": "example.com"},
			BodyPreview: "",
		},
		Response: protocol.StoredFlowResponse{
			StatusCode:  200,
			Headers:     map[string]string{"Content-Type": "text/plain"},
			BodyPreview: "ok",
		},
		ScriptApplied: []string{},
		SizeBytes:     100,
	}
}

// storeN stores n flows captured one minute apart, oldest first, ids f00..fNN.
func storeN(t *testing.T, s FlowStore, n int, newest time.Time) []*protocol.StoredFlow {
	t.Helper()

	flows := make([]*protocol.StoredFlow, n)
	for i := range n {
		flows[i] = testStoredFlow(fmt.Sprintf("f%02d", i), newest.Add(-time.Duration(n-1-i)*time.Minute))
		require.NoError(t, s.Store(t.Context(), flows[i]))
	}
	return flows
}

func metadataIDs(list []protocol.FlowMetadata) []string {
	ids := make([]string, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	return ids
}

func TestFlowStoreGet(t *testing.T) {
	t.Parallel()

	eachBackend(t, func(t *testing.T, s FlowStore) {
		want := testStoredFlow("abc", time.Now().Truncate(time.Millisecond))
		want.ViaUpdate = true
		want.ViaManualResend = true
		want.ScriptApplied = []string{"s1"}
		want.Request.FullBodyPath = "/tmp/x/request.bin"
		want.Response.BodyIsBinary = true
		require.NoError(t, s.Store(t.Context(), want))

		got, err := s.Get(t.Context(), "abc")
		require.NoError(t, err)
		assert.True(t, want.CapturedAt.Equal(got.CapturedAt))
		got.CapturedAt = want.CapturedAt
		assert.Equal(t, want, got)

		_, err = s.Get(t.Context(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFlowStoreReplace(t *testing.T) {
	t.Parallel()

	eachBackend(t, func(t *testing.T, s FlowStore) {
		f := testStoredFlow("same", time.Now())
		require.NoError(t, s.Store(t.Context(), f))
		f.Notes = "second"
		require.NoError(t, s.Store(t.Context(), f))

		got, err := s.Get(t.Context(), "same")
		require.NoError(t, err)
		assert.Equal(t, "second", got.Notes)

		list, err := s.List(t.Context(), 10, 0, protocol.FlowFilter{})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestFlowStoreList(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("newest_first_paginated", func(t *testing.T) {
		eachBackend(t, func(t *testing.T, s FlowStore) {
			storeN(t, s, 5, now)

			list, err := s.List(t.Context(), 2, 0, protocol.FlowFilter{})
			require.NoError(t, err)
			assert.Equal(t, []string{"f04", "f03"}, metadataIDs(list))

			list, err = s.List(t.Context(), 2, 4, protocol.FlowFilter{})
			require.NoError(t, err)
			assert.Equal(t, []string{"f00"}, metadataIDs(list))

			list, err = s.List(t.Context(), 2, 10, protocol.FlowFilter{})
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	})

	t.Run("metadata_projection", func(t *testing.T) {
		eachBackend(t, func(t *testing.T, s FlowStore) {
			f := testStoredFlow("m1", now)
			f.Response.StatusCode = 404
			f.ViaUpdate = true
			f.SizeBytes = 77
			require.NoError(t, s.Store(t.Context(), f))

			list, err := s.List(t.Context(), 10, 0, protocol.FlowFilter{})
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "m1", list[0].ID)
			assert.Equal(t, 404, list[0].StatusCode)
			assert.Equal(t, int64(77), list[0].SizeBytes)
			assert.Equal(t, 4242, list[0].PID)
			assert.True(t, list[0].ViaUpdate)
			assert.False(t, list[0].ViaManualResend)
			assert.True(t, now.Equal(list[0].CapturedAt))
		})
	})

	t.Run("filters", func(t *testing.T) {
		eachBackend(t, func(t *testing.T, s FlowStore) {
			a := testStoredFlow("a", now.Add(-2*time.Hour))
			a.URL = "https://api.Example.com/login"
			a.Method = "POST"
			a.PID = 1
			b := testStoredFlow("b", now.Add(-time.Hour))
			b.URL = "https://static.test/app.js"
			b.PID = 2
			c := testStoredFlow("c", now)
			c.URL = "https://other.test/path_with%percent"
			c.PID = 1
			for _, f := range []*protocol.StoredFlow{a, b, c} {
				require.NoError(t, s.Store(t.Context(), f))
			}

			pid1 := 1
			since := now.Add(-90 * time.Minute)
			tests := []struct {
				name   string
				filter protocol.FlowFilter
				want   []string
			}{
				{name: "none", want: []string{"c", "b", "a"}},
				{name: "pid", filter: protocol.FlowFilter{PID: &pid1}, want: []string{"c", "a"}},
				{name: "method_exact", filter: protocol.FlowFilter{Method: "POST"}, want: []string{"a"}},
				{name: "method_case_sensitive", filter: protocol.FlowFilter{Method: "post"}, want: []string{}},
				{name: "query_url_case_insensitive", filter: protocol.FlowFilter{Query: "EXAMPLE"}, want: []string{"a"}},
				{name: "query_matches_method", filter: protocol.FlowFilter{Query: "pos"}, want: []string{"a"}},
				{name: "query_literal_wildcards", filter: protocol.FlowFilter{Query: "_with%"}, want: []string{"c"}},
				{name: "since_lower_bound", filter: protocol.FlowFilter{Since: &since}, want: []string{"c", "b"}},
				{name: "combined", filter: protocol.FlowFilter{PID: &pid1, Since: &since}, want: []string{"c"}},
			}
			for _, tc := range tests {
				t.Run(tc.name, func(t *testing.T) {
					list, err := s.List(t.Context(), 10, 0, tc.filter)
					require.NoError(t, err)
					assert.Equal(t, tc.want, metadataIDs(list))
				})
			}
		})
	})
}

func TestFlowStoreQueryUnicode(t *testing.T) {
	t.Parallel()

	eachBackend(t, func(t *testing.T, s FlowStore) {
		now := time.Now()
		upper := testStoredFlow("upper", now)
		upper.URL = "https://example.com/ÜBER/straße"
		require.NoError(t, s.Store(t.Context(), upper))
		require.NoError(t, s.Store(t.Context(), testStoredFlow("plain", now.Add(-time.Minute))))

		tests := []struct {
			query string
			want  []string
		}{
			{query: "über", want: []string{"upper"}},
			{query: "ÜBER", want: []string{"upper"}},
			{query: "STRAßE", want: []string{"upper"}},
			{query: "Über/STRASSE", want: []string{}},
		}
		for _, tt := range tests {
			list, err := s.List(t.Context(), 10, 0, protocol.FlowFilter{Query: tt.query})
			require.NoError(t, err)
			assert.Equal(t, tt.want, metadataIDs(list), tt.query)
		}
	})
}

func TestFlowStoreDelete(t *testing.T) {
	t.Parallel()

	eachBackend(t, func(t *testing.T, s FlowStore) {
		storeN(t, s, 3, time.Now())

		require.NoError(t, s.Delete(t.Context(), "f01"))
		_, err := s.Get(t.Context(), "f01")
		require.ErrorIs(t, err, ErrNotFound)

		list, err := s.List(t.Context(), 10, 0, protocol.FlowFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"f02", "f00"}, metadataIDs(list))

		assert.ErrorIs(t, s.Delete(t.Context(), "f01"), ErrNotFound)
	})
}

func TestFlowStoreTotalSize(t *testing.T) {
	t.Parallel()

	eachBackend(t, func(t *testing.T, s FlowStore) {
		total, err := s.TotalSize(t.Context())
		require.NoError(t, err)
		assert.Zero(t, total)

		storeN(t, s, 4, time.Now())
		total, err = s.TotalSize(t.Context())
		require.NoError(t, err)
		assert.Equal(t, int64(400), total)
	})
}

func TestFlowStorePrune(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("age_pass", func(t *testing.T) {
		eachBackend(t, func(t *testing.T, s FlowStore) {
			require.NoError(t, s.Store(t.Context(), testStoredFlow("old", now.AddDate(0, 0, -40))))
			require.NoError(t, s.Store(t.Context(), testStoredFlow("recent", now.AddDate(0, 0, -1))))

			removed, err := s.Prune(t.Context(), 30, 0)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, err = s.Get(t.Context(), "old")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(t.Context(), "recent")
			assert.NoError(t, err)
		})
	})

	t.Run("size_pass_under_budget", func(t *testing.T) {
		eachBackend(t, func(t *testing.T, s FlowStore) {
			flows := storeN(t, s, 10, now)

			_, err := s.Prune(t.Context(), 0, 850)
			require.NoError(t, err)

			total, err := s.TotalSize(t.Context())
			require.NoError(t, err)
			assert.LessOrEqual(t, total, int64(850))

			// survivors are always the newest flows
			list, err := s.List(t.Context(), 100, 0, protocol.FlowFilter{})
			require.NoError(t, err)
			for i, m := range list {
				assert.Equal(t, flows[len(flows)-1-i].ID, m.ID)
			}
		})
	})

	t.Run("jsonl_size_pass_drops_one_fifth", func(t *testing.T) {
		t.Parallel()

		s := NewJSONLStore(filepath.Join(t.TempDir(), JSONLFileName))
		require.NoError(t, s.Initialize(t.Context()))
		t.Cleanup(func() { _ = s.Close() })
		flows := storeN(t, s, 10, now)

		// 1000 bytes against a 100 byte budget still loses only two flows
		removed, err := s.Prune(t.Context(), 0, 100)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		list, err := s.List(t.Context(), 100, 0, protocol.FlowFilter{})
		require.NoError(t, err)
		require.Len(t, list, 8)
		assert.Equal(t, flows[9].ID, list[0].ID)
		assert.Equal(t, flows[2].ID, list[7].ID)

		removed, err = s.Prune(t.Context(), 0, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
	})

	t.Run("age_before_size", func(t *testing.T) {
		eachBackend(t, func(t *testing.T, s FlowStore) {
			stale := testStoredFlow("stale", now.AddDate(0, 0, -60))
			stale.SizeBytes = 1000
			require.NoError(t, s.Store(t.Context(), stale))
			fresh := testStoredFlow("fresh", now)
			require.NoError(t, s.Store(t.Context(), fresh))

			removed, err := s.Prune(t.Context(), 30, 500)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, err = s.Get(t.Context(), "fresh")
			assert.NoError(t, err)
		})
	})

	t.Run("disabled", func(t *testing.T) {
		eachBackend(t, func(t *testing.T, s FlowStore) {
			require.NoError(t, s.Store(t.Context(), testStoredFlow("old", now.AddDate(0, 0, -400))))

			removed, err := s.Prune(t.Context(), 0, 0)
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	})
}

func TestJSONLStoreSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), JSONLFileName)
	s := NewJSONLStore(path)
	require.NoError(t, s.Initialize(t.Context()))
	require.NoError(t, s.Store(t.Context(), testStoredFlow("good", time.Now())))

	appendRaw(t, path, "{not json\n\n")
	require.NoError(t, s.Store(t.Context(), testStoredFlow("good2", time.Now())))

	list, err := s.List(t.Context(), 10, 0, protocol.FlowFilter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"good", "good2"}, metadataIDs(list))
}

func TestSerialize(t *testing.T) {
	t.Parallel()

	want := testStoredFlow("x", time.Unix(1700000000, 123456789))
	data, err := Serialize(want)
	require.NoError(t, err)

	var got protocol.StoredFlow
	require.NoError(t, Deserialize(data, &got))
	assert.True(t, want.CapturedAt.Equal(got.CapturedAt))
	assert.Equal(t, want.Response, got.Response)

	assert.Error(t, Deserialize([]byte{0xc1}, &got))
}

func appendRaw(t *testing.T, path, data string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

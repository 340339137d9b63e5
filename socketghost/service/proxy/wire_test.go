package proxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertHeadersEqual compares headers ignoring Raw.
func assertHeadersEqual(t *testing.T, expected, actual Headers) {
	t.Helper()

	require.Len(t, actual, len(expected))
	for i := range expected {
		assert.Equal(t, expected[i].Name, actual[i].Name, "header[%d].Name", i)
		assert.Equal(t, expected[i].Value, actual[i].Value, "header[%d].Value", i)
	}
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		wantMethod  string
		wantPath    string
		wantQuery   string
		wantVersion string
		wantHeaders Headers
		wantBody    string
		wantWire    *WireFormat
	}{
		{
			name:        "simple_get",
			input:       "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
			wantMethod:  "GET",
			wantPath:    "/",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "Host", Value: "example.com"}},
		},
		{
			name:        "query_split",
			input:       "GET /api/users?id=1&q=a HTTP/1.1\r\nHost: example.com\r\n\r\n",
			wantMethod:  "GET",
			wantPath:    "/api/users",
			wantQuery:   "id=1&q=a",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "Host", Value: "example.com"}},
		},
		{
			name:        "proxy_form",
			input:       "GET http://example.com:8080/a?b=c HTTP/1.1\r\nHost: example.com:8080\r\n\r\n",
			wantMethod:  "GET",
			wantPath:    "http://example.com:8080/a",
			wantQuery:   "b=c",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "Host", Value: "example.com:8080"}},
		},
		{
			name:        "content_length_body",
			input:       "POST /data HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello",
			wantMethod:  "POST",
			wantPath:    "/data",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "Host", Value: "h"}, {Name: "Content-Length", Value: "5"}},
			wantBody:    "hello",
		},
		{
			name:        "chunked_body",
			input:       "POST /c HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\n\r\n",
			wantMethod:  "POST",
			wantPath:    "/c",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "Transfer-Encoding", Value: "chunked"}},
			wantBody:    "hello world",
			wantWire:    &WireFormat{WasChunked: true},
		},
		{
			name:        "bare_lf",
			input:       "GET / HTTP/1.1\nHost: h\n\n",
			wantMethod:  "GET",
			wantPath:    "/",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "Host", Value: "h"}},
			wantWire:    &WireFormat{UsedBareLF: true},
		},
		{
			name:        "missing_version",
			input:       "GET /x\r\nHost: h\r\n\r\n",
			wantMethod:  "GET",
			wantPath:    "/x",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "Host", Value: "h"}},
		},
		{
			name:        "obs_fold",
			input:       "GET / HTTP/1.1\r\nX-Long: first\r\n\tsecond\r\n\r\n",
			wantMethod:  "GET",
			wantPath:    "/",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "X-Long", Value: "first second"}},
		},
		{
			name:        "invalid_content_length_ignored",
			input:       "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n",
			wantMethod:  "POST",
			wantPath:    "/",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "Content-Length", Value: "abc"}},
		},
		{
			name:        "header_without_colon",
			input:       "GET / HTTP/1.1\r\nBroken\r\n\r\n",
			wantMethod:  "GET",
			wantPath:    "/",
			wantVersion: "HTTP/1.1",
			wantHeaders: Headers{{Name: "Broken"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := parseRequest(strings.NewReader(tc.input))
			require.NoError(t, err)

			assert.Equal(t, tc.wantMethod, req.Method)
			assert.Equal(t, tc.wantPath, req.Path)
			assert.Equal(t, tc.wantQuery, req.Query)
			assert.Equal(t, tc.wantVersion, req.Version)
			assertHeadersEqual(t, tc.wantHeaders, req.Headers)
			assert.Equal(t, tc.wantBody, string(req.Body))
			assert.Equal(t, tc.wantWire, req.Wire)
		})
	}
}

func TestParseRequestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty", input: "", wantErr: ErrEmptyRequest},
		{name: "single_token", input: "GARBAGE\r\n\r\n", wantErr: ErrInvalidRequest},
		{name: "empty_method", input: " / HTTP/1.1\r\n\r\n", wantErr: ErrInvalidRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseRequest(strings.NewReader(tc.input))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	t.Run("truncated_body", func(t *testing.T) {
		_, err := parseRequest(strings.NewReader("POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc"))
		assert.Error(t, err)
	})
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		input      string
		method     string
		wantStatus int
		wantText   string
		wantBody   string
		wantWire   *WireFormat
	}{
		{
			name:       "content_length",
			input:      "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi",
			method:     "GET",
			wantStatus: 200,
			wantText:   "OK",
			wantBody:   "hi",
		},
		{
			name:       "read_to_eof",
			input:      "HTTP/1.0 200 OK\r\n\r\nuntil close",
			method:     "GET",
			wantStatus: 200,
			wantText:   "OK",
			wantBody:   "until close",
		},
		{
			name:       "head_has_no_body",
			input:      "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n",
			method:     "HEAD",
			wantStatus: 200,
			wantText:   "OK",
		},
		{
			name:       "no_content",
			input:      "HTTP/1.1 204 No Content\r\n\r\n",
			method:     "DELETE",
			wantStatus: 204,
			wantText:   "No Content",
		},
		{
			name:       "not_modified",
			input:      "HTTP/1.1 304 Not Modified\r\n\r\n",
			method:     "GET",
			wantStatus: 304,
			wantText:   "Not Modified",
		},
		{
			name:       "chunked_with_trailers",
			input:      "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\nX-Trailer: t\r\n\r\n",
			method:     "GET",
			wantStatus: 200,
			wantText:   "OK",
			wantBody:   "abc",
			wantWire:   &WireFormat{WasChunked: true},
		},
		{
			name:       "invalid_content_length_reads_to_eof",
			input:      "HTTP/1.1 200 OK\r\nContent-Length: x\r\n\r\nrest",
			method:     "GET",
			wantStatus: 200,
			wantText:   "OK",
			wantBody:   "rest",
		},
		{
			name:       "no_status_text",
			input:      "HTTP/1.1 502\r\nContent-Length: 0\r\n\r\n",
			method:     "GET",
			wantStatus: 502,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := parseResponse(strings.NewReader(tc.input), tc.method)
			require.NoError(t, err)

			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			assert.Equal(t, tc.wantText, resp.StatusText)
			assert.Equal(t, tc.wantBody, string(resp.Body))
			assert.Equal(t, tc.wantWire, resp.Wire)
		})
	}

	t.Run("trailers_kept", func(t *testing.T) {
		resp, err := parseResponse(strings.NewReader(
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n1\r\na\r\n0\r\nX-T: 1\r\n\r\n"), "GET")
		require.NoError(t, err)
		assert.Equal(t, "X-T: 1\r\n", string(resp.Trailers))
	})

	t.Run("errors", func(t *testing.T) {
		_, err := parseResponse(strings.NewReader(""), "GET")
		require.ErrorIs(t, err, ErrEmptyResponse)

		_, err = parseResponse(strings.NewReader("HTTP/1.1 abc OK\r\n\r\n"), "GET")
		require.ErrorIs(t, err, ErrInvalidResponse)

		_, err = parseResponse(strings.NewReader("HTTP/1.1\r\n\r\n"), "GET")
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})
}

func TestEncode(t *testing.T) {
	t.Parallel()

	t.Run("request_roundtrip_exact", func(t *testing.T) {
		inputs := []string{
			"GET /a?b=c HTTP/1.1\r\nHost: example.com\r\nX-Weird :  spaced\r\n\r\n",
			"POST /p HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc",
			"GET / HTTP/1.1\nHost: h\n\n",
			"GET / HTTP/1.1\r\nX-Long: first\r\n\tsecond\r\n\r\n",
		}
		for _, input := range inputs {
			req, err := parseRequest(strings.NewReader(input))
			require.NoError(t, err)
			assert.Equal(t, input, string(req.Encode()))
		}
	})

	t.Run("response_roundtrip_exact", func(t *testing.T) {
		input := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"
		resp, err := parseResponse(strings.NewReader(input), "GET")
		require.NoError(t, err)
		assert.Equal(t, input, string(resp.Encode()))
	})

	t.Run("chunked_converted_to_content_length", func(t *testing.T) {
		resp, err := parseResponse(strings.NewReader(
			"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Length: 99\r\n\r\n5\r\nhello\r\n0\r\n\r\n"), "GET")
		require.NoError(t, err)

		out := string(resp.Encode())
		assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", out)
	})

	t.Run("chunked_request_bare_lf", func(t *testing.T) {
		req, err := parseRequest(strings.NewReader("POST / HTTP/1.1\nTransfer-Encoding: chunked\nX-A: 1\n\n2\nok\n0\n\n"))
		require.NoError(t, err)
		assert.Equal(t, &WireFormat{WasChunked: true, UsedBareLF: true}, req.Wire)
		assert.Equal(t, "POST / HTTP/1.1\nX-A: 1\nContent-Length: 2\n\nok", string(req.Encode()))
	})

	t.Run("modified_header_uses_canonical_form", func(t *testing.T) {
		req, err := parseRequest(strings.NewReader("GET / HTTP/1.1\r\nhost:   old\r\n\r\n"))
		require.NoError(t, err)

		req.Headers.Set("Host", "new")
		req.Headers.Set("X-Added", "1")
		out := string(req.Encode())
		assert.Equal(t, "GET / HTTP/1.1\r\nhost: new\r\nX-Added: 1\r\n\r\n", out)
	})

	t.Run("programmatic_response", func(t *testing.T) {
		resp := &WireResponse{
			Version:    "HTTP/1.1",
			StatusCode: 502,
			StatusText: "Bad Gateway",
			Headers:    Headers{{Name: "Content-Type", Value: "application/json"}},
			Body:       []byte(`{}`),
		}
		out := string(resp.Encode())
		assert.Equal(t, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n{}", out)
	})
}

func TestHeaders(t *testing.T) {
	t.Parallel()

	h := Headers{{Name: "Content-Type", Value: "a", Raw: []byte("Content-Type: a")}, {Name: "X-Dup", Value: "1"}, {Name: "x-dup", Value: "2"}}

	assert.Equal(t, "a", h.Get("content-type"))
	assert.Empty(t, h.Get("missing"))

	h.Set("CONTENT-TYPE", "b")
	assert.Equal(t, "b", h.Get("Content-Type"))
	assert.Nil(t, h[0].Raw)

	h.Remove("X-DUP")
	assert.Len(t, h, 1)

	h.Set("X-New", "v")
	assert.Equal(t, "X-New", h[1].Name)
}

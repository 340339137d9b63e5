package proxy

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// maxDecodedBodyBytes caps inflation of a single body.
const maxDecodedBodyBytes = 64 << 20

var errUnsupportedEncoding = errors.New("unsupported content encoding")

// zstdDecoder is safe for concurrent DecodeAll.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBodyBytes))

// contentDecoders maps a canonical Content-Encoding token to its decoder.
var contentDecoders = map[string]func([]byte) ([]byte, error){
	"gzip": func(b []byte) ([]byte, error) {
		gr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		return inflate(gr)
	},
	"deflate": func(b []byte) ([]byte, error) {
		// servers disagree on deflate framing, accept raw and zlib-wrapped
		if out, err := inflate(flate.NewReader(bytes.NewReader(b))); err == nil {
			return out, nil
		}
		zr, err := zlib.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		return inflate(zr)
	},
	"zstd": func(b []byte) ([]byte, error) {
		return zstdDecoder.DecodeAll(b, nil)
	},
}

// canonicalEncoding lowercases and trims a Content-Encoding value. x-gzip is
// folded into gzip. Lists such as "gzip, br" stay as-is and so never match a
// decoder.
func canonicalEncoding(value string) string {
	enc := strings.ToLower(strings.TrimSpace(value))
	if enc == "x-gzip" {
		return "gzip"
	}
	return enc
}

// decodeContent reverses a single content coding.
func decodeContent(data []byte, contentEncoding string) ([]byte, error) {
	decode, ok := contentDecoders[canonicalEncoding(contentEncoding)]
	if !ok {
		return nil, errUnsupportedEncoding
	}
	return decode(data)
}

// DecodeBody returns the identity form of body for previews and scripts.
// Undecodable or unsupported encodings yield the raw bytes.
func DecodeBody(body []byte, contentEncoding string) []byte {
	if len(body) == 0 || contentEncoding == "" {
		return body
	}
	decoded, err := decodeContent(body, contentEncoding)
	if err != nil {
		return body
	}
	return decoded
}

func inflate(r io.ReadCloser) ([]byte, error) {
	defer func() { _ = r.Close() }()
	return io.ReadAll(io.LimitReader(r, maxDecodedBodyBytes))
}

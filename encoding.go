package fidget

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding tokens understood by the body helpers.
const (
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
	EncodingBrotli   = "br"
	EncodingDeflate  = "deflate"
	EncodingIdentity = "identity"
)

// UnsupportedEncodingError is returned for a Content-Encoding the body
// helpers cannot decode.
type UnsupportedEncodingError struct {
	Encoding string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("unsupported content encoding %q", e.Encoding)
}

// parseContentEncoding returns the encodings applied to a body, in the
// order they were applied.
func parseContentEncoding(header string) []string {
	var out []string
	for part := range strings.SplitSeq(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" && part != EncodingIdentity {
			out = append(out, part)
		}
	}
	return out
}

// DecodeBody reverses the Content-Encoding chain named by header.
func DecodeBody(data []byte, header string) ([]byte, error) {
	encodings := parseContentEncoding(header)
	for i := len(encodings) - 1; i >= 0; i-- {
		var err error
		data, err = DecompressBytes(data, encodings[i])
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// EncodeBody applies the Content-Encoding chain named by header.
func EncodeBody(data []byte, header string) ([]byte, error) {
	for _, enc := range parseContentEncoding(header) {
		var err error
		data, err = CompressBytes(data, enc)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// DecompressBytes decodes data compressed with encoding.
func DecompressBytes(data []byte, encoding string) ([]byte, error) {
	var r io.Reader
	switch encoding {
	case EncodingGzip, "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = gr.Close() }()
		r = gr
	case EncodingDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case EncodingZstd:
		out, err := zstdDecoder().DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	case EncodingIdentity, "":
		return data, nil
	default:
		return nil, &UnsupportedEncodingError{Encoding: encoding}
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", encoding, err)
	}
	return out, nil
}

// CompressBytes compresses data with the specified encoding.
func CompressBytes(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingGzip, "x-gzip":
		return compressGzip(data)
	case EncodingDeflate:
		return compressDeflate(data)
	case EncodingZstd:
		return zstdEncoder().EncodeAll(data, nil), nil
	case EncodingBrotli:
		return compressBrotli(data)
	case EncodingIdentity, "":
		return data, nil
	default:
		return nil, &UnsupportedEncodingError{Encoding: encoding}
	}
}

// SupportedEncodings lists the encodings CompressBytes understands.
func SupportedEncodings() []string {
	return []string{EncodingBrotli, EncodingZstd, EncodingGzip, EncodingDeflate}
}

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriterPool.Get().(*gzip.Writer)
	w.Reset(&buf)
	defer func() {
		w.Reset(io.Discard)
		gzipWriterPool.Put(w)
	}()

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressDeflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressBrotli(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

// The zstd coders are safe for concurrent EncodeAll/DecodeAll.
func initZstd() {
	zstdEnc, _ = zstd.NewWriter(nil)
	zstdDec, _ = zstd.NewReader(nil)
}

func zstdEncoder() *zstd.Encoder {
	zstdOnce.Do(initZstd)
	return zstdEnc
}

func zstdDecoder() *zstd.Decoder {
	zstdOnce.Do(initZstd)
	return zstdDec
}

package fidget

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("The quick brown fox jumps over the lazy dog. ", 64))
	for _, enc := range SupportedEncodings() {
		t.Run(enc, func(t *testing.T) {
			compressed, err := CompressBytes(data, enc)
			if err != nil {
				t.Fatalf("CompressBytes: %v", err)
			}
			if len(compressed) >= len(data) {
				t.Errorf("compressed %d bytes to %d", len(data), len(compressed))
			}
			plain, err := DecompressBytes(compressed, enc)
			if err != nil {
				t.Fatalf("DecompressBytes: %v", err)
			}
			if !bytes.Equal(plain, data) {
				t.Error("round trip changed the data")
			}
		})
	}
}

func TestDecodeBodyChain(t *testing.T) {
	data := []byte("layered body")
	encoded, err := EncodeBody(data, "gzip, br")
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}

	// br was applied last, so a gzip reader alone must fail.
	if _, err := DecompressBytes(encoded, "gzip"); err == nil {
		t.Error("outer layer is gzip, want br")
	}

	decoded, err := DecodeBody(encoded, "GZIP , br")
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Errorf("DecodeBody = %q", decoded)
	}
}

func TestIdentityEncoding(t *testing.T) {
	data := []byte("plain")
	for _, header := range []string{"", "identity", " identity "} {
		got, err := DecodeBody(data, header)
		if err != nil || !bytes.Equal(got, data) {
			t.Errorf("DecodeBody(%q) = %q, %v", header, got, err)
		}
		got, err = EncodeBody(data, header)
		if err != nil || !bytes.Equal(got, data) {
			t.Errorf("EncodeBody(%q) = %q, %v", header, got, err)
		}
	}
}

func TestUnsupportedEncoding(t *testing.T) {
	var ue *UnsupportedEncodingError
	if _, err := DecodeBody([]byte("x"), "compress"); !errors.As(err, &ue) || ue.Encoding != "compress" {
		t.Errorf("DecodeBody(compress) = %v", err)
	}
	if _, err := CompressBytes([]byte("x"), "lzma"); !errors.As(err, &ue) {
		t.Errorf("CompressBytes(lzma) = %v", err)
	}
}

func TestDecompressCorrupt(t *testing.T) {
	for _, enc := range []string{"gzip", "deflate", "zstd"} {
		if _, err := DecompressBytes([]byte("definitely not compressed"), enc); err == nil {
			t.Errorf("%s accepted corrupt input", enc)
		}
	}
}

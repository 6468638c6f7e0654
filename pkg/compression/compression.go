// Package compression wraps sink output streams with the algorithms the
// file and object-store sinks accept: gzip, zstd, snappy, s2 and lz4.
// Writers flush their own trailers on Close without closing the stream
// underneath, so callers keep control of file lifecycles.
package compression

import (
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/inletlabs/inlet/pkg/errors"
)

// Algorithm names a stream compression scheme.
type Algorithm string

const (
	// None passes data through unchanged
	None Algorithm = "none"
	// Gzip is stdlib gzip, widest compatibility
	Gzip Algorithm = "gzip"
	// Zstd favors compression ratio at good speed
	Zstd Algorithm = "zstd"
	// Snappy favors speed over ratio
	Snappy Algorithm = "snappy"
	// S2 is snappy-style framing with better compression
	S2 Algorithm = "s2"
	// LZ4 is the fastest option
	LZ4 Algorithm = "lz4"
)

// Parse normalizes a configured algorithm name. An empty name means no
// compression.
func Parse(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	case "snappy":
		return Snappy, nil
	case "s2":
		return S2, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, errors.New(errors.ClassConfig, "unknown compression algorithm").
			WithDetail("algorithm", name)
	}
}

// Ext returns the filename suffix for output compressed with a, empty
// for None.
func (a Algorithm) Ext() string {
	switch a {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case Snappy:
		return ".snappy"
	case S2:
		return ".s2"
	case LZ4:
		return ".lz4"
	default:
		return ""
	}
}

// NewWriter wraps w with a compressing writer. Close flushes the
// compression trailer; the underlying writer stays open.
func NewWriter(w io.Writer, algorithm Algorithm) (io.WriteCloser, error) {
	switch algorithm {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case S2:
		return s2.NewWriter(w), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, errors.New(errors.ClassConfig, "unknown compression algorithm").
			WithDetail("algorithm", string(algorithm))
	}
}

// NewReader wraps r with a decompressing reader for streams produced by
// NewWriter with the same algorithm.
func NewReader(r io.Reader, algorithm Algorithm) (io.ReadCloser, error) {
	switch algorithm {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, errors.New(errors.ClassConfig, "unknown compression algorithm").
			WithDetail("algorithm", string(algorithm))
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

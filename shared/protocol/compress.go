package protocol

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Algorithm is the closed set of compression algorithms an envelope's
// Compression field may name. A payload never nests a second envelope
// inside a compressed one — it decompresses directly to the typed payload.
type Algorithm string

const (
	AlgorithmNone    Algorithm = ""
	AlgorithmGzip    Algorithm = "gzip"
	AlgorithmDeflate Algorithm = "deflate"
	AlgorithmBrotli  Algorithm = "brotli"
)

// Compress encodes data with the named algorithm.
func Compress(algo Algorithm, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch algo {
	case AlgorithmGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgorithmDeflate:
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgorithmBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(algo Algorithm, data []byte) ([]byte, error) {
	var r io.Reader
	switch algo {
	case AlgorithmGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case AlgorithmDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	case AlgorithmBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
	return io.ReadAll(r)
}

package transform

import (
	"bytes"
	"errors"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies the compression codec. The id is written as the
// first byte of a compressed payload so the receiver needs no negotiation.
type Algorithm uint8

const (
	AlgorithmGzip Algorithm = iota
	AlgorithmDeflate
	AlgorithmBrotli
	AlgorithmLZ4
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmGzip:
		return "gzip"
	case AlgorithmDeflate:
		return "deflate"
	case AlgorithmBrotli:
		return "brotli"
	case AlgorithmLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

var errUnknownAlgorithm = errors.New("unknown compression algorithm id")

// compressBytes runs data through the codec and prepends the algorithm id.
func compressBytes(alg Algorithm, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(alg))

	var (
		w   io.WriteCloser
		err error
	)
	switch alg {
	case AlgorithmGzip:
		w = gzip.NewWriter(&buf)
	case AlgorithmDeflate:
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
	case AlgorithmBrotli:
		w = brotli.NewWriter(&buf)
	case AlgorithmLZ4:
		w = lz4.NewWriter(&buf)
	default:
		return nil, errUnknownAlgorithm
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressBytes inverts compressBytes, dispatching on the leading id byte.
func decompressBytes(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, ErrCorruptCompressedStream
	}
	alg := Algorithm(data[0])
	src := bytes.NewReader(data[1:])

	var (
		r   io.Reader
		err error
	)
	switch alg {
	case AlgorithmGzip:
		r, err = gzip.NewReader(src)
	case AlgorithmDeflate:
		r = flate.NewReader(src)
	case AlgorithmBrotli:
		r = brotli.NewReader(src)
	case AlgorithmLZ4:
		r = lz4.NewReader(src)
	default:
		return nil, ErrCorruptCompressedStream
	}
	if err != nil {
		return nil, ErrCorruptCompressedStream
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrCorruptCompressedStream
	}
	return out, nil
}

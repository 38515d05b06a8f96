package wire

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/yanun0323/errors"

	"tradegate/pkg/exception"
)

// Compression codec names accepted by configuration.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
	CompressionS2   = "s2"
)

// Compressor is the compression stage. The codec is fixed per endpoint.
//
// Output is always the compressed form, even when it is larger than the
// input; peers rely on that to decode without a per-frame marker.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// NewCompressor returns the codec for name.
func NewCompressor(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CompressionNone:
		return noCompression{}, nil
	case CompressionLZ4:
		return lz4Compression{}, nil
	case CompressionZstd:
		return newZstdCompression()
	case CompressionS2:
		return s2Compression{}, nil
	default:
		return nil, errors.Wrapf(exception.ErrArgumentUnsupported, "compression codec %q", name)
	}
}

type noCompression struct{}

func (noCompression) Name() string                          { return CompressionNone }
func (noCompression) Compress(src []byte) ([]byte, error)   { return src, nil }
func (noCompression) Decompress(src []byte) ([]byte, error) { return src, nil }

type lz4Compression struct{}

func (lz4Compression) Name() string { return CompressionLZ4 }

func (lz4Compression) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compression) Decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

type zstdCompression struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompression() (Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, errors.Wrap(err, "zstd encoder")
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, errors.Wrap(err, "zstd decoder")
	}
	return &zstdCompression{enc: enc, dec: dec}, nil
}

func (z *zstdCompression) Name() string { return CompressionZstd }

func (z *zstdCompression) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCompression) Decompress(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

type s2Compression struct{}

func (s2Compression) Name() string { return CompressionS2 }

func (s2Compression) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (s2Compression) Decompress(src []byte) ([]byte, error) {
	return s2.Decode(nil, src)
}

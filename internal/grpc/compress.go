package grpc

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// ZstdName is the grpc-encoding value of the zstd compressor.
const ZstdName = "zstd"

func init() {
	encoding.RegisterCompressor(zstdCompressor{})
}

// zstdCompressor plugs klauspost zstd into gRPC message compression.
type zstdCompressor struct{}

func (zstdCompressor) Name() string { return ZstdName }

func (zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return encoder, nil
}

func (zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	//1.- A single-threaded decoder runs synchronously, so dropping it leaks nothing.
	decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return decoder, nil
}

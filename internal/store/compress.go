package store

import (
	"github.com/klauspost/compress/zstd"
)

// compressor wraps a shared zstd encoder/decoder pair. Payloads under
// minCompressSize, or ones zstd cannot shrink, are stored raw; Get tells
// the two apart by attempting a decode and falling back to the raw bytes,
// which the digest check after loading makes safe. The decoder always
// exists so a store opened with compression off still reads objects
// written by one that had it on.
type compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

const minCompressSize = 128

func newCompressor(level int) (*compressor, error) {
	c := &compressor{}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	c.decoder = decoder

	if level <= 0 {
		return c, nil
	}
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 2:
		encoderLevel = zstd.SpeedDefault
	default:
		encoderLevel = zstd.SpeedBetterCompression
	}
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	c.encoder = encoder
	return c, nil
}

func (c *compressor) compress(data []byte) []byte {
	if c.encoder == nil || len(data) < minCompressSize {
		return data
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

func (c *compressor) decompress(data []byte) []byte {
	decompressed, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return data
	}
	return decompressed
}

func (c *compressor) close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}

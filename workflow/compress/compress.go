// Package compress provides self-describing compression for stored values.
//
// Readers never consult configuration to decide whether a blob is
// compressed: DecompressIfCompressed probes the compressor's magic prefix,
// so values written before compression was enabled, after it was disabled,
// or by a differently configured client all read back the same.
package compress

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Magic is the zstd frame magic number as it appears on the wire.
var Magic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ErrNoCompressor is returned when data carries a compression marker but no
// compressor is available to decode it.
var ErrNoCompressor = errors.New("compress: data is compressed but no compressor is configured")

// Compressor compresses values and recognises its own output.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	IsCompressed(data []byte) bool
}

// Zstd implements Compressor with Zstandard. It is safe for concurrent use.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd creates a Zstd compressor at the given encoder level.
func NewZstd(level zstd.EncoderLevel) (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("compress: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("compress: create zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

// Default returns a Zstd compressor at the default level.
func Default() (*Zstd, error) {
	return NewZstd(zstd.SpeedDefault)
}

// Compress returns a single zstd frame holding data.
func (z *Zstd) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decompress decodes all frames in data.
func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd decode: %w", err)
	}
	return out, nil
}

// IsCompressed reports whether data starts with the zstd frame magic.
func (z *Zstd) IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Close releases the encoder and decoder.
func (z *Zstd) Close() error {
	z.dec.Close()
	return z.enc.Close()
}

// MaybeCompress compresses data when enabled is true and c is non-nil, and
// returns data unchanged otherwise.
func MaybeCompress(c Compressor, enabled bool, data []byte) ([]byte, error) {
	if !enabled || c == nil {
		return data, nil
	}
	return c.Compress(data)
}

// DecompressIfCompressed returns data decompressed when it carries the
// compressor's marker, and unchanged otherwise.
func DecompressIfCompressed(c Compressor, data []byte) ([]byte, error) {
	if c == nil {
		if bytes.HasPrefix(data, Magic) {
			return nil, ErrNoCompressor
		}
		return data, nil
	}
	if !c.IsCompressed(data) {
		return data, nil
	}
	return c.Decompress(data)
}

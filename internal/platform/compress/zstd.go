// Package compress provides the zstd codec shared by snapshot stores and
// archive backends.
package compress

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func sharedEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder, encoderErr
}

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder, decoderErr
}

// Compress returns the zstd frame for data.
func Compress(data []byte) ([]byte, error) {
	enc, err := sharedEncoder()
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2+16)), nil
}

// Decompress decodes a zstd frame produced by Compress.
func Decompress(data []byte) ([]byte, error) {
	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode zstd: %w", err)
	}
	return out, nil
}

// MaybeCompress compresses data when it is larger than threshold bytes.
// A non-positive threshold disables compression.
func MaybeCompress(data []byte, threshold int) ([]byte, bool, error) {
	if threshold <= 0 || len(data) <= threshold {
		return data, false, nil
	}
	out, err := Compress(data)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// IsCompressed reports whether data starts with a zstd frame header.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package framecodec compresses MTP frame bodies for transports whose
// wire format carries an explicit content-encoding (transport/stomp).
// Adapted from the teacher's artifact chunk compression
// (lib/artifactstore/compress.go) down to the two codecs a frame body
// actually benefits from; BG4LZ4's tensor byte-grouping has no
// equivalent here since USP payloads are never float32 arrays.
package framecodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies which codec compressed a frame body, carried on the
// wire as the STOMP MTP's content-encoding header value.
type Tag uint8

const (
	TagZstd Tag = iota
	TagLZ4
)

// Compress compresses data with tag. Returns ErrIncompressible if the
// result would not be smaller than the input — the caller should send
// the frame uncompressed in that case.
func Compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case TagZstd:
		return compressZstd(data)
	case TagLZ4:
		return compressLZ4(data)
	default:
		return nil, fmt.Errorf("framecodec: unsupported tag %d", tag)
	}
}

// Decompress reverses Compress. uncompressedSize must be the exact
// original length, carried on the wire as x-uncompressed-length.
func Decompress(compressed []byte, tag Tag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case TagZstd:
		return decompressZstd(compressed, uncompressedSize)
	case TagLZ4:
		return decompressLZ4(compressed, uncompressedSize)
	default:
		return nil, fmt.Errorf("framecodec: unsupported tag %d", tag)
	}
}

// ErrIncompressible is returned by Compress when compression would not
// shrink the input.
var ErrIncompressible = fmt.Errorf("framecodec: data is incompressible")

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("framecodec: lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("framecodec: lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("framecodec: lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// zstdEncoder and zstdDecoder are reused across calls; both types are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("framecodec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("framecodec: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("framecodec: zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("framecodec: zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}

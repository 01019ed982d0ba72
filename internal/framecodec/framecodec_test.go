// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package framecodec

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressDecompressRoundtrip(t *testing.T) {
	data := []byte(strings.Repeat("Device.WiFi.SSID.1.Name=home ", 200))

	for _, tag := range []Tag{TagZstd, TagLZ4} {
		compressed, err := Compress(data, tag)
		if err != nil {
			t.Fatalf("Compress(%v) error = %v", tag, err)
		}
		if len(compressed) >= len(data) {
			t.Errorf("Compress(%v) did not shrink a highly repetitive payload", tag)
		}
		got, err := Decompress(compressed, tag, len(data))
		if err != nil {
			t.Fatalf("Decompress(%v) error = %v", tag, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Decompress(%v) roundtrip mismatch", tag)
		}
	}
}

func TestCompressReportsIncompressibleRandomData(t *testing.T) {
	// A short, low-entropy input has no repeated structure for either
	// codec to exploit and won't shrink.
	data := []byte{0x01, 0x02, 0x03, 0x04}
	if _, err := Compress(data, TagLZ4); err != ErrIncompressible {
		t.Errorf("Compress() error = %v, want ErrIncompressible", err)
	}
}

// Package compress handles the payload compression applied when a
// record enters the Archive stage. LZ4 keeps decompression cheap enough
// that archived reads stay interactive.
package compress

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Compress returns the LZ4 block for the payload, or ok=false when
// compression would not shrink it. Callers keep incompressible payloads
// raw.
func Compress(p []byte) ([]byte, bool) {
	if len(p) == 0 {
		return nil, false
	}
	dst := make([]byte, lz4.CompressBlockBound(len(p)))
	n, err := lz4.CompressBlock(p, dst, nil)
	if err != nil || n == 0 || n >= len(p) {
		return nil, false
	}
	return dst[:n], true
}

// Decompress reverses Compress. originalLen is the exact pre-compression
// byte count carried on the record.
func Decompress(p []byte, originalLen int) ([]byte, error) {
	if originalLen <= 0 {
		return nil, fmt.Errorf("invalid original length %d", originalLen)
	}
	out := make([]byte, originalLen)
	n, err := lz4.UncompressBlock(p, out)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n != originalLen {
		return nil, fmt.Errorf("lz4: decompressed %d bytes, want %d", n, originalLen)
	}
	return out, nil
}

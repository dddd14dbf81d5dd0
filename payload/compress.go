package payload

import (
	"github.com/pierrec/lz4/v4"
)

// Compressibility returns the LZ4 compressed size of buf as a fraction of its
// original size. Incompressible data reports 1.
func Compressibility(buf []byte) (float64, error) {
	if len(buf) == 0 {
		return 1, nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(buf)))
	n, err := lz4.CompressBlock(buf, dst, nil)
	if err != nil {
		return 0, err
	}
	// Zero means the block did not compress.
	if n == 0 || n >= len(buf) {
		return 1, nil
	}
	return float64(n) / float64(len(buf)), nil
}

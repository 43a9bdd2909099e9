// Package iolimit bounds copies from untrusted streams.
package iolimit

import (
	"errors"
	"fmt"
	"io"
)

var ErrLimitExceeded = errors.New("size limit exceeded")

// CopyLimit copies up to limit+1 bytes from src into dst. Crossing the limit
// returns ErrLimitExceeded; whatever was written stays in dst, so callers
// staging to disk should discard the file.
func CopyLimit(dst io.Writer, src io.Reader, limit int64) (written int64, err error) {
	n, err := io.CopyN(dst, src, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("copying: %w", err)
	}

	if n > limit {
		return n, ErrLimitExceeded
	}

	return n, nil
}

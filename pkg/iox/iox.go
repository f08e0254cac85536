package iox

import (
	"errors"
	"io"
	"os"
)

var ErrTooLarge = errors.New("stream exceeds size limit")

// WriteStreamToFile copies src into a new file. If maxBytes is greater than zero,
// and src holds more than maxBytes, then the file is removed and ErrTooLarge is returned.
// On any error, no file is left behind.
func WriteStreamToFile(dstFilename string, src io.Reader, maxBytes int64) (int64, error) {
	dstFile, err := os.Create(dstFilename)
	if err != nil {
		return 0, err
	}
	if maxBytes > 0 {
		// read one extra byte, so that we can tell the difference between "exactly maxBytes" and "too large"
		src = io.LimitReader(src, maxBytes+1)
	}
	n, err := io.Copy(dstFile, src)
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = ErrTooLarge
	}
	if errClose := dstFile.Close(); err == nil {
		err = errClose
	}
	if err != nil {
		os.Remove(dstFilename)
		return 0, err
	}
	return n, nil
}

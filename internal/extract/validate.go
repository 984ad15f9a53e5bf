package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ledongthuc/pdf"
)

// ValidationError reports why a file was rejected before extraction.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid PDF %s: %s", e.Path, e.Reason)
}

func reject(path, format string, args ...any) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

var signature = []byte("%PDF-")

// Validate checks that path is a readable, unencrypted PDF of at least
// minBytes with one or more pages. It returns the page count.
func Validate(path string, minBytes int64) (pages int, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, reject(path, "file not found")
		}
		return 0, reject(path, "cannot stat file: %v", err)
	}
	if info.IsDir() {
		return 0, reject(path, "path is a directory")
	}
	size := info.Size()
	if size == 0 {
		return 0, reject(path, "file is empty")
	}
	if size < minBytes {
		return 0, reject(path, "file too small (%d bytes, minimum %d)", size, minBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, reject(path, "cannot open file: %v", err)
	}
	defer f.Close()

	head := make([]byte, len(signature))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, signature) {
		return 0, reject(path, "missing %%PDF- signature")
	}

	return inspect(path, f, size)
}

// inspect parses the document structure. The parser panics on some malformed
// inputs, which are reported as unreadable.
func inspect(path string, f *os.File, size int64) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			if mentionsEncrypt(f, size) {
				pages, err = 0, reject(path, "PDF is encrypted")
				return
			}
			pages, err = 0, reject(path, "unreadable PDF structure: %v", r)
		}
	}()

	r, perr := pdf.NewReader(f, size)
	if perr != nil {
		if errors.Is(perr, pdf.ErrInvalidPassword) || mentionsEncrypt(f, size) {
			return 0, reject(path, "PDF is encrypted")
		}
		return 0, reject(path, "unreadable PDF structure: %v", perr)
	}
	if !r.Trailer().Key("Encrypt").IsNull() {
		return 0, reject(path, "PDF is encrypted")
	}
	n := r.NumPage()
	if n == 0 {
		return 0, reject(path, "PDF has no pages")
	}
	return n, nil
}

// mentionsEncrypt scans the file tail, where the trailer lives, for an
// /Encrypt entry.
func mentionsEncrypt(f *os.File, size int64) bool {
	const tail = 64 << 10
	off := size - tail
	if off < 0 {
		off = 0
	}
	buf := make([]byte, size-off)
	if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	return bytes.Contains(buf, []byte("/Encrypt"))
}

// Package entropy provides the randomness sources polynomials are drawn from.
package entropy

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cobrabft/cobra/common/log"
)

// GetRandom reads n bytes from source. If source is nil or fails, it falls
// back to crypto/rand.
func GetRandom(source io.Reader, n uint32) ([]byte, error) {
	if source == nil {
		source = rand.Reader
	}

	buff := make([]byte, n)
	read, err := io.ReadFull(source, buff)
	if err != nil || uint32(read) != n {
		_, err := rand.Read(buff)
		return buff, err
	}
	return buff, nil
}

// fileReader streams bytes from a file, failing once the file is exhausted.
type fileReader struct {
	sync.Mutex
	path string
	fd   *os.File
}

// NewFileReader returns a reader drawing bytes sequentially from filePath.
func NewFileReader(filePath string) io.ReadCloser {
	return &fileReader{path: filePath}
}

func (r *fileReader) Read(p []byte) (int, error) {
	r.Lock()
	defer r.Unlock()
	if r.fd == nil {
		fd, err := os.Open(r.path)
		if err != nil {
			return 0, fmt.Errorf("entropy: cannot open file: %w", err)
		}
		r.fd = fd
	}
	n, err := io.ReadFull(r.fd, p)
	if err != nil {
		return n, fmt.Errorf("entropy: error reading from file: %w", err)
	}
	return n, nil
}

func (r *fileReader) Close() error {
	r.Lock()
	defer r.Unlock()
	if r.fd == nil {
		return nil
	}
	err := r.fd.Close()
	r.fd = nil
	return err
}

// GetReaderFromSource returns a reader over the file at sourcePath.
func GetReaderFromSource(sourcePath string, l log.Logger) (io.ReadCloser, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("entropy: cannot access source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("entropy: source path %s is a directory", sourcePath)
	}
	l.Infow("Using file for entropy source", "source", sourcePath)
	return NewFileReader(sourcePath), nil
}

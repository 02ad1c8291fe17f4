// Package ioutil holds the filesystem-facing helpers shared by the
// model, transitions, and input-enumeration readers: gzip-transparent
// file opening and fofn/directory expansion.
package ioutil

import (
	"compress/gzip"
	"io"
	"os"
)

// OpenMaybeGzip opens path and returns a reader that transparently
// decompresses it if its contents are gzip (probed by magic bytes, not
// filename), following the same "try gzip.NewReader, rewind and fall
// back to the raw file on failure" shape as
// lanl-adscodex/io/fastq.Parse and davidebolo1993-kfilt's openFile.
// The returned io.ReadCloser closes the underlying file on Close,
// including when it wraps a gzip.Reader.
func OpenMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if gz, err := gzip.NewReader(f); err == nil {
		return &gzipFile{gz: gz, f: f}, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// gzipFile closes both the gzip.Reader and the underlying *os.File.
type gzipFile struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipFile) Close() error {
	err := g.gz.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

package odin

import (
	"compress/gzip"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

const gzipCopyChunk = 32 * 1024

// InflateGzipToTemp streams a gzip-wrapped archive from path into a
// freshly created temp file and returns it positioned at offset 0, ready
// for a TarReader (or another format sniff) to take over. The caller
// owns the returned file and must close/remove it.
func InflateGzipToTemp(path string) (*os.File, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, newErr(ErrPackageFormat, "opening gzip source "+path, err)
	}
	defer src.Close()

	zr, err := gzip.NewReader(src)
	if err != nil {
		return nil, newErr(ErrPackageFormat, "reading gzip header for "+path, err)
	}
	defer zr.Close()

	tmp, err := os.CreateTemp("", "odincore-gzip-*.tar")
	if err != nil {
		return nil, newErr(ErrPackageFormat, "creating temp file for gzip inflate", err)
	}

	buf := make([]byte, gzipCopyChunk)
	written, err := io.CopyBuffer(tmp, zr, buf)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, newErr(ErrPackageFormat, "inflating gzip stream from "+path, err)
	}

	log.WithFields(log.Fields{
		"component": "GzipInflater",
		"source":    path,
		"bytes":     written,
	}).Debug("inflated gzip stream to temp file")

	if _, err := tmp.Seek(0, 0); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, newErr(ErrPackageFormat, "rewinding inflated temp file", err)
	}

	return tmp, nil
}

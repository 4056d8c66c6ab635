package odin

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// HashKind selects the digest algorithm a HashCodec streams.
type HashKind int

const (
	HashMD5 HashKind = iota
	HashSHA256
)

func newHasher(kind HashKind) hash.Hash {
	if kind == HashSHA256 {
		return sha256.New()
	}
	return md5.New()
}

// HashHex streams r through the chosen digest and returns its lowercase
// hex serialization. It never buffers the whole input in memory.
func HashHex(r io.Reader, kind HashKind) (string, error) {
	h := newHasher(kind)
	if _, err := io.Copy(h, r); err != nil {
		return "", newErr(ErrTransport, "reading stream for hash", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashRangeHex streams the byte range [offset, offset+length) of ra
// through the chosen digest and returns its lowercase hex serialization.
func HashRangeHex(ra io.ReaderAt, offset, length int64, kind HashKind) (string, error) {
	h := newHasher(kind)
	if _, err := io.Copy(h, io.NewSectionReader(ra, offset, length)); err != nil {
		return "", newErr(ErrTransport, "reading byte range for hash", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytesHex is a convenience wrapper for in-memory buffers, used by
// the package ingestor once an entry's payload has already been buffered.
func HashBytesHex(b []byte, kind HashKind) string {
	h := newHasher(kind)
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

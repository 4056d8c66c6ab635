package odin

import (
	"os"
	"testing"
)

// tempFileWithContent writes content to a fresh temp file and returns
// its path; the file is removed automatically at test cleanup.
func tempFileWithContent(t *testing.T, content []byte) (string, error) {
	t.Helper()

	f, err := os.CreateTemp("", "odincore-test-*.bin")
	if err != nil {
		return "", err
	}
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	if len(content) > 0 {
		if _, err := f.Write(content); err != nil {
			f.Close()
			return "", err
		}
	}
	return path, f.Close()
}

package odin

import (
	"archive/tar"
	"os"
	"testing"
)

// writeTestTar builds a ustar archive with the standard library's writer
// (which this package's hand-rolled reader must interoperate with) and
// returns it as an open, positioned-at-zero temp file.
func writeTestTar(t *testing.T, entries map[string][]byte) *os.File {
	t.Helper()

	f, err := os.CreateTemp("", "odincore-test-*.tar")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	t.Cleanup(func() {
		f.Close()
		os.Remove(f.Name())
	})

	tw := tar.NewWriter(f)
	for name, data := range entries {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	return f
}

func TestOpenTarReader_EntriesAndOffsets(t *testing.T) {
	contents := map[string][]byte{
		"boot.img":   fillBytes(600, 0xAA),
		"system.img": fillBytes(10, 0xBB),
	}
	f := writeTestTar(t, contents)

	tr, err := OpenTarReader(f)
	if err != nil {
		t.Fatalf("OpenTarReader: %v", err)
	}

	entries := tr.Entries()
	if len(entries) != len(contents) {
		t.Fatalf("got %d entries, want %d", len(entries), len(contents))
	}

	seen := map[string]bool{}
	for _, e := range entries {
		want, ok := contents[e.Name]
		if !ok {
			t.Fatalf("unexpected entry %q", e.Name)
		}
		if e.Size != int64(len(want)) {
			t.Errorf("entry %q size = %d, want %d", e.Name, e.Size, len(want))
		}
		if e.Offset%tarBlockSize != 0 {
			t.Errorf("entry %q offset %d not block-aligned", e.Name, e.Offset)
		}

		buf := make([]byte, e.Size)
		n, err := tr.ReadEntry(e, buf)
		if err != nil {
			t.Fatalf("ReadEntry(%q): %v", e.Name, err)
		}
		if n != len(want) {
			t.Errorf("ReadEntry(%q) read %d bytes, want %d", e.Name, n, len(want))
		}
		for i := range want {
			if buf[i] != want[i] {
				t.Fatalf("entry %q content mismatch at byte %d", e.Name, i)
				break
			}
		}
		seen[e.Name] = true
	}
	for name := range contents {
		if !seen[name] {
			t.Errorf("entry %q was never seen", name)
		}
	}
}

func fillBytes(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

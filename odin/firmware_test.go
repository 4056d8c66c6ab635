package odin

import (
	"os"
	"testing"
)

func TestDerivePartitionName(t *testing.T) {
	cases := []struct {
		filename string
		want     string
	}{
		{"boot.img", "BOOT"},
		{"recovery.img", "RECOVERY"},
		{"system.img.ext4", "SYSTEM"},
		{"modem.bin", "MODEM"},
		{"CP_X.bin", "MODEM"},
		{"param.bin", "PARAM"},
		{"efs.img", "EFS"},
		{"cache.img", "CACHE"},
		{"hidden.img", "HIDDEN"},
		{"gpt_main0.bin", "gpt_main0"},
	}
	for _, c := range cases {
		if got := derivePartitionName(c.filename); got != c.want {
			t.Errorf("derivePartitionName(%q) = %q, want %q", c.filename, got, c.want)
		}
	}
}

func TestVerifyMD5Envelope_Match(t *testing.T) {
	body := []byte("firmware bytes go here")
	digest := HashBytesHex(body, HashMD5)
	buf := append(append([]byte{}, body...), []byte(digest)...)

	if err := verifyMD5Envelope("system.img.md5", buf); err != nil {
		t.Fatalf("expected matching envelope to pass, got %v", err)
	}
}

func TestVerifyMD5Envelope_Mismatch(t *testing.T) {
	body := []byte("firmware bytes go here")
	buf := append(append([]byte{}, body...), []byte("00000000000000000000000000000000")...)

	if err := verifyMD5Envelope("system.img.md5", buf); err == nil {
		t.Fatal("expected mismatched envelope to fail")
	}
}

func TestVerifySHA256Envelope(t *testing.T) {
	body := []byte("out of band expected digest")
	expected := HashBytesHex(body, HashSHA256)

	if err := VerifySHA256Envelope("boot.img", body, expected); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := VerifySHA256Envelope("boot.img", body, "deadbeef"); err == nil {
		t.Fatal("expected mismatch to fail")
	}
}

func TestFirmwarePackage_SetPIT_RejectsEmpty(t *testing.T) {
	f, err := tempFileWithContent(t, nil)
	if err != nil {
		t.Fatalf("tempFileWithContent: %v", err)
	}

	pkg := NewFirmwarePackage()
	if err := pkg.SetPIT(f); err == nil {
		t.Fatal("expected empty PIT file to be rejected")
	}
}

func TestFirmwarePackage_SetAP_RawBinary(t *testing.T) {
	f, err := tempFileWithContent(t, fillBytes(4096, 0x42))
	if err != nil {
		t.Fatalf("tempFileWithContent: %v", err)
	}

	pkg := NewFirmwarePackage()
	if err := pkg.SetAP(f); err != nil {
		t.Fatalf("SetAP: %v", err)
	}
	if len(pkg.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(pkg.Entries))
	}
	if pkg.Entries[0].Compression != CompressionNone {
		t.Errorf("expected raw binary to have CompressionNone")
	}
	if pkg.Entries[0].Kind != PayloadAP {
		t.Errorf("expected PayloadAP tag")
	}
}

// buildTestTarBytes returns the raw bytes of a real ustar archive, for
// tests that need to wrap it in an outer .md5 envelope.
func buildTestTarBytes(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	f := writeTestTar(t, entries)
	buf, err := readAll(f)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	return buf
}

func tarMD5File(t *testing.T, buf []byte) string {
	t.Helper()
	f, err := os.CreateTemp("", "AP_XXXX-*.tar.md5")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.Write(buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return f.Name()
}

func TestFirmwarePackage_SetAP_TarMD5Envelope(t *testing.T) {
	tarBytes := buildTestTarBytes(t, map[string][]byte{
		"boot.img": fillBytes(600, 0xAA),
	})
	digest := HashBytesHex(tarBytes, HashMD5)
	path := tarMD5File(t, append(append([]byte{}, tarBytes...), []byte(digest)...))

	pkg := NewFirmwarePackage()
	if err := pkg.SetAP(path); err != nil {
		t.Fatalf("SetAP: %v", err)
	}
	if len(pkg.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(pkg.Entries))
	}
	if pkg.Entries[0].PartitionName != "BOOT" {
		t.Errorf("partition name = %q, want BOOT", pkg.Entries[0].PartitionName)
	}
}

func TestFirmwarePackage_SetAP_TarMD5Envelope_Mismatch(t *testing.T) {
	tarBytes := buildTestTarBytes(t, map[string][]byte{
		"boot.img": fillBytes(600, 0xAA),
	})
	badDigest := []byte("00000000000000000000000000000000")
	path := tarMD5File(t, append(append([]byte{}, tarBytes...), badDigest...))

	pkg := NewFirmwarePackage()
	if err := pkg.SetAP(path); err == nil {
		t.Fatal("expected mismatched .tar.md5 envelope to fail")
	}
}

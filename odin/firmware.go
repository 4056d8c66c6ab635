package odin

import (
	"os"
	"strings"

	"github.com/sigurn/crc16"
	log "github.com/sirupsen/logrus"
)

// PayloadKind tags what a FirmwareEntry is destined for.
type PayloadKind int

const (
	PayloadBootloader PayloadKind = iota
	PayloadAP
	PayloadCP
	PayloadCSC
	PayloadUMS
	PayloadPIT
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadBootloader:
		return "Bootloader"
	case PayloadAP:
		return "AP"
	case PayloadCP:
		return "CP"
	case PayloadCSC:
		return "CSC"
	case PayloadUMS:
		return "UMS"
	case PayloadPIT:
		return "PIT"
	default:
		return "Unknown"
	}
}

// CompressionKind tags how a FirmwareEntry's buffer is framed on the wire.
type CompressionKind int

const (
	CompressionNone CompressionKind = iota
	CompressionLz4
	CompressionGzip
)

// FirmwareEntry is one identified payload destined for a single
// partition. Buf is owned by the FirmwarePackage that produced it and is
// lent read-only to the protocol engine during transmission.
type FirmwareEntry struct {
	Filename         string
	PartitionName    string
	Kind             PayloadKind
	Compression      CompressionKind
	CompressedSize   int64
	UncompressedSize int64 // 0 when unknown (frame carried no content-size field)
	Buf              []byte
	Lz4Info          Lz4FrameInfo

	Index        int
	SourceOffset int64
}

// pitFileRef is used for a PIT entry that streams from disk rather
// than being buffered: its file is opened, its length recorded, and its
// bytes are streamed straight into the PIT send phase.
type pitFileRef struct {
	Path string
	Size int64
}

// FirmwarePackage is the top-level ingestor. It is driven by one
// path-setter operation per payload class and produces the sequence of
// FirmwareEntry records the protocol engine will transfer.
type FirmwarePackage struct {
	Entries []*FirmwareEntry
	Pit     *pitFileRef

	nextIndex int
}

// NewFirmwarePackage returns an empty ingestor ready for path-setter
// calls.
func NewFirmwarePackage() *FirmwarePackage {
	return &FirmwarePackage{}
}

// SetBootloader ingests path as the bootloader payload class.
func (p *FirmwarePackage) SetBootloader(path string) error {
	return p.setClassPath(path, PayloadBootloader)
}

// SetAP ingests path as the AP payload class.
func (p *FirmwarePackage) SetAP(path string) error {
	return p.setClassPath(path, PayloadAP)
}

// SetCP ingests path as the CP payload class.
func (p *FirmwarePackage) SetCP(path string) error {
	return p.setClassPath(path, PayloadCP)
}

// SetCSC ingests path as the CSC payload class.
func (p *FirmwarePackage) SetCSC(path string) error {
	return p.setClassPath(path, PayloadCSC)
}

// SetUMS ingests path as the UMS payload class.
func (p *FirmwarePackage) SetUMS(path string) error {
	return p.setClassPath(path, PayloadUMS)
}

// SetPIT records path as the PIT file to validate against/send. Unlike
// the other setters it does not load the file — it will be streamed
// during the PIT send phase.
func (p *FirmwarePackage) SetPIT(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return newErr(ErrPackageFormat, "opening PIT file "+path, err)
	}
	if fi.Size() == 0 {
		return newErr(ErrPackageFormat, "PIT file "+path+" is empty", nil)
	}
	p.Pit = &pitFileRef{Path: path, Size: fi.Size()}
	return nil
}

// setClassPath verifies path's own outer integrity envelope, if any,
// against the whole file before any format-specific parsing begins —
// mirroring FirmwareData::parseBinary, which checks the archive path's
// own suffix rather than any inner member's name — then dispatches on
// the resulting container's magic bytes.
func (p *FirmwarePackage) setClassPath(path string, kind PayloadKind) error {
	container, displayName, err := loadContainer(path)
	if err != nil {
		return err
	}

	tmp, err := writeTempFile(container, "odincore-container-*.bin")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	head := container
	if len(head) > 512 {
		head = head[:512]
	}

	switch {
	case len(head) >= 2 && head[0] == 0x1F && head[1] == 0x8B:
		return p.ingestGzip(tmp.Name(), displayName, kind)
	case IsLz4(head):
		return p.ingestRawLz4(displayName, kind, tmp)
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return p.ingestTar(displayName, kind, tmp)
	default:
		return p.ingestRaw(displayName, kind, tmp)
	}
}

// loadContainer reads path fully and, when its own extension carries
// an appended digest (the dominant real-world shape, e.g.
// "AP_XXXX.tar.md5"), verifies that digest against the whole file and
// strips it before returning, along with the filename with the
// envelope suffix removed.
func loadContainer(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", newErr(ErrPackageFormat, "opening firmware file "+path, err)
	}
	buf, err := readAll(f)
	f.Close()
	if err != nil {
		return nil, "", newErr(ErrPackageFormat, "reading firmware file "+path, err)
	}

	name := filepathBase(path)
	if len(name) >= len(".md5") && strings.EqualFold(name[len(name)-len(".md5"):], ".md5") {
		if err := verifyMD5Envelope(path, buf); err != nil {
			return nil, "", err
		}
		if len(buf) > md5HexLen {
			buf = buf[:len(buf)-md5HexLen]
		}
		name = name[:len(name)-len(".md5")]
	}
	return buf, name, nil
}

// writeTempFile buffers buf into a fresh temp file positioned at the
// start, letting the file-based ingest routines below work uniformly
// whether their source came straight off disk or out of an envelope
// strip or gzip inflation.
func writeTempFile(buf []byte, pattern string) (*os.File, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, newErr(ErrPackageFormat, "creating temp file", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, newErr(ErrPackageFormat, "writing temp file", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, newErr(ErrPackageFormat, "rewinding temp file", err)
	}
	return f, nil
}

func (p *FirmwarePackage) ingestGzip(path, displayName string, kind PayloadKind) error {
	tmp, err := InflateGzipToTemp(path)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	return p.setClassPathFromFile(tmp, displayName, kind)
}

// setClassPathFromFile re-runs the format sniff against an already-open
// file, used after gzip inflation produces a fresh tar/raw candidate.
func (p *FirmwarePackage) setClassPathFromFile(f *os.File, displayName string, kind PayloadKind) error {
	if _, err := f.Seek(0, 0); err != nil {
		return newErr(ErrPackageFormat, "rewinding inflated file", err)
	}
	head := make([]byte, 512)
	n, err := readFull(f, head)
	if err != nil && n == 0 {
		return newErr(ErrPackageFormat, "reading inflated header", err)
	}
	head = head[:n]

	switch {
	case IsLz4(head):
		return p.ingestRawLz4(displayName, kind, f)
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return p.ingestTar(displayName, kind, f)
	default:
		return p.ingestRaw(displayName, kind, f)
	}
}

func (p *FirmwarePackage) ingestRawLz4(path string, kind PayloadKind, f *os.File) error {
	if _, err := f.Seek(0, 0); err != nil {
		return newErr(ErrPackageFormat, "rewinding LZ4 file "+path, err)
	}
	buf, err := readAll(f)
	if err != nil {
		return newErr(ErrPackageFormat, "reading LZ4 file "+path, err)
	}

	info, ok := SniffLz4(buf)
	if !ok {
		return newErr(ErrPackageFormat, "LZ4 magic vanished on second read of "+path, nil)
	}

	entry := &FirmwareEntry{
		Filename:         filepathBase(path),
		PartitionName:    derivePartitionName(filepathBase(path)),
		Kind:             kind,
		Compression:      CompressionLz4,
		CompressedSize:   int64(len(buf)),
		UncompressedSize: int64(info.UncompressedSize),
		Buf:              buf,
		Lz4Info:          info,
	}
	p.appendEntry(entry)
	return nil
}

func (p *FirmwarePackage) ingestRaw(path string, kind PayloadKind, f *os.File) error {
	if _, err := f.Seek(0, 0); err != nil {
		return newErr(ErrPackageFormat, "rewinding raw file "+path, err)
	}
	buf, err := readAll(f)
	if err != nil {
		return newErr(ErrPackageFormat, "reading raw file "+path, err)
	}

	entry := &FirmwareEntry{
		Filename:         filepathBase(path),
		PartitionName:    derivePartitionName(filepathBase(path)),
		Kind:             kind,
		Compression:      CompressionNone,
		CompressedSize:   int64(len(buf)),
		UncompressedSize: int64(len(buf)),
		Buf:              buf,
	}
	p.appendEntry(entry)
	return nil
}

func (p *FirmwarePackage) ingestTar(path string, kind PayloadKind, f *os.File) error {
	tr, err := OpenTarReader(f)
	if err != nil {
		return err
	}

	for _, te := range tr.Entries() {
		if te.IsDir || te.Size == 0 {
			continue
		}
		lower := strings.ToLower(te.Name)
		if strings.Contains(lower, ".md5") || strings.Contains(lower, ".sha256") {
			continue
		}

		buf := make([]byte, te.Size)
		if _, err := tr.ReadEntry(te, buf); err != nil {
			return err
		}

		entry := &FirmwareEntry{
			Filename:      te.Name,
			PartitionName: derivePartitionName(te.Name),
			Kind:          kind,
			SourceOffset:  te.Offset,
		}

		if IsLz4(buf) {
			info, _ := SniffLz4(buf)
			entry.Compression = CompressionLz4
			entry.CompressedSize = int64(len(buf))
			entry.UncompressedSize = int64(info.UncompressedSize)
			entry.Lz4Info = info
		} else {
			entry.Compression = CompressionNone
			entry.CompressedSize = int64(len(buf))
			entry.UncompressedSize = int64(len(buf))
		}
		entry.Buf = buf

		p.appendEntry(entry)
	}
	return nil
}

func (p *FirmwarePackage) appendEntry(e *FirmwareEntry) {
	e.Index = p.nextIndex
	p.nextIndex++

	sum := crc16.Checksum(e.Buf, crc16.MakeTable(crc16.CRC16_CCITT_FALSE))
	log.WithFields(log.Fields{
		"component":    "FirmwarePackage",
		"file":         e.Filename,
		"partition":    e.PartitionName,
		"kind":         e.Kind.String(),
		"bytes":        len(e.Buf),
		"crc16":        sum,
		"index":        e.Index,
		"sourceOffset": e.SourceOffset,
	}).Debug("buffered firmware entry")

	p.Entries = append(p.Entries, e)
}

// derivePartitionName implements the priority list of §4.5: lowercase
// substring match against known partition markers, falling back to the
// filename stem before its last extension.
func derivePartitionName(filename string) string {
	lower := strings.ToLower(filename)

	type rule struct {
		needle string
		name   string
	}
	rules := []rule{
		{".pit", "PIT"},
		{"boot", "BOOT"},
		{"recovery", "RECOVERY"},
		{"system", "SYSTEM"},
		{"modem", "MODEM"},
		{"cp_", "MODEM"},
		{"param", "PARAM"},
		{"efs", "EFS"},
		{"cache", "CACHE"},
		{"hidden", "HIDDEN"},
	}
	for _, r := range rules {
		if strings.Contains(lower, r.needle) {
			return r.name
		}
	}

	stem := filename
	if i := strings.LastIndex(stem, "."); i >= 0 {
		stem = stem[:i]
	}
	return stem
}

// md5HexLen is the length of a lowercase hex-encoded MD5 digest appended
// to the end of an .md5-enveloped archive.
const md5HexLen = 32

func verifyMD5Envelope(name string, buf []byte) error {
	if len(buf) <= md5HexLen {
		return nil // too small to carry an appended digest, treat as absent
	}
	body := buf[:len(buf)-md5HexLen]
	tail := strings.ToLower(string(buf[len(buf)-md5HexLen:]))
	if !isHex(tail) {
		return nil // trailing bytes aren't hex, envelope wasn't present
	}

	got := HashBytesHex(body, HashMD5)
	if got != tail {
		return newErr(ErrIntegrity, "MD5 envelope mismatch for "+name, nil)
	}
	return nil
}

// VerifySHA256Envelope compares buf's SHA-256 digest against an expected
// value supplied out of band, per §4.5's SHA-256 envelope variant.
func VerifySHA256Envelope(name string, buf []byte, expectedHex string) error {
	got := HashBytesHex(buf, HashSHA256)
	if !strings.EqualFold(got, expectedHex) {
		return newErr(ErrIntegrity, "SHA-256 envelope mismatch for "+name, nil)
	}
	return nil
}

func isHex(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func filepathBase(path string) string {
	i := strings.LastIndexAny(path, `/\`)
	if i < 0 {
		return path
	}
	return path[i+1:]
}

func readAll(f *os.File) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, fi.Size())
	if _, err := readFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

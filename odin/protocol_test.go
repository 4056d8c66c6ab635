package odin

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// fakeTransport is a scripted stand-in for UsbTransport: writes are
// recorded for inspection, reads are served from a queue of canned
// buffers in order.
type fakeTransport struct {
	writes    [][]byte
	reads     [][]byte
	readIdx   int
	zlp       bool
	systemLSI bool
	maxPacket int
}

func (f *fakeTransport) Write(buf []byte) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.writes = append(f.writes, cp)
	return len(buf), nil
}

func (f *fakeTransport) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	if f.readIdx >= len(f.reads) {
		return 0, errors.New("fakeTransport: no more canned reads")
	}
	r := f.reads[f.readIdx]
	f.readIdx++
	n := copy(buf, r)
	return n, nil
}

func (f *fakeTransport) IsZLPSupported() bool { return f.zlp }
func (f *fakeTransport) IsSystemLSI() bool    { return f.systemLSI }
func (f *fakeTransport) MaxPacketSize() int   { return f.maxPacket }

// buildFakeResponse constructs a canned cmdPacketSize response with an
// echoed command and a scalar result at offset 4.
func buildFakeResponse(echo uint32, result int32) []byte {
	buf := make([]byte, cmdPacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], echo)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(result))
	return buf
}

func newTestEngine(t *fakeTransport, pkg *FirmwarePackage) *ProtocolEngine {
	return NewProtocolEngine(t, pkg, false, "test-device")
}

func TestHandshake_Success(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{[]byte("LOKE")}}
	e := newTestEngine(ft, NewFirmwarePackage())

	if err := e.Handshake(); err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if e.session.State != StateHandshaken {
		t.Errorf("state = %v, want Handshaken", e.session.State)
	}
	if len(ft.writes) != 1 || string(ft.writes[0]) != "ODIN" {
		t.Errorf("expected a single ODIN write, got %v", ft.writes)
	}
}

func TestHandshake_BadReply(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{[]byte("NOPE")}}
	e := newTestEngine(ft, NewFirmwarePackage())

	if err := e.Handshake(); err == nil {
		t.Fatal("expected handshake failure on bad reply")
	}
	if e.session.State != StateAborted {
		t.Errorf("state = %v, want Aborted", e.session.State)
	}
}

func TestBeginSession_SmallPacket(t *testing.T) {
	ft := &fakeTransport{
		zlp: true,
		reads: [][]byte{
			buildFakeResponse(cmdSession, 0), // begin: r == 0, keep small packet
			buildFakeResponse(cmdSession, 999), // advisory total bytes
		},
	}
	e := newTestEngine(ft, NewFirmwarePackage())
	e.session.State = StateHandshaken

	if err := e.BeginSession(); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}
	if e.session.PacketSize != initialPacketSize {
		t.Errorf("PacketSize = %#x, want %#x", e.session.PacketSize, initialPacketSize)
	}
	if e.session.State != StateSessionOpen {
		t.Errorf("state = %v, want SessionOpen", e.session.State)
	}
}

func TestBeginSession_LargePacket(t *testing.T) {
	ft := &fakeTransport{
		zlp: false,
		reads: [][]byte{
			buildFakeResponse(cmdSession, 1),          // begin: r != 0, device wants large packets
			buildFakeResponse(cmdSession, 0),          // ack for SetPacketSize
		},
	}
	e := newTestEngine(ft, NewFirmwarePackage())
	e.session.State = StateHandshaken

	if err := e.BeginSession(); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}
	if e.session.PacketSize != largePacketSize {
		t.Errorf("PacketSize = %#x, want %#x", e.session.PacketSize, largePacketSize)
	}
}

func TestReceivePit_RoundTrip(t *testing.T) {
	pit := &PitTable{Entries: []PitEntry{sampleEntry("BOOT")}}
	wire := pit.Serialize()
	// pad to the rounded-up size the device would actually send.
	padded := make([]byte, pitRoundUp500(uint32(len(wire))))
	copy(padded, wire)

	ft := &fakeTransport{
		reads: [][]byte{
			buildFakeResponse(cmdPit, int32(len(wire))), // receive: scalar PIT size
			padded,                                      // raw PIT bytes
			buildFakeResponse(cmdPit, 0),                 // end ack
		},
	}
	e := newTestEngine(ft, NewFirmwarePackage())
	e.session.State = StateSessionOpen
	e.session.PacketSize = initialPacketSize

	if err := e.ReceivePit(); err != nil {
		t.Fatalf("ReceivePit failed: %v", err)
	}
	if e.session.State != StatePitReceived {
		t.Errorf("state = %v, want PitReceived", e.session.State)
	}
	if len(e.session.Pit.Entries) != 1 {
		t.Fatalf("got %d PIT entries, want 1", len(e.session.Pit.Entries))
	}
	if e.session.Pit.Entries[0].PartitionNameString() != "BOOT" {
		t.Errorf("partition name = %q, want BOOT", e.session.Pit.Entries[0].PartitionNameString())
	}
}

func TestReceivePit_ShortReadAborts(t *testing.T) {
	ft := &fakeTransport{
		reads: [][]byte{
			buildFakeResponse(cmdPit, 1000),
			make([]byte, 10), // far short of the rounded-up size
		},
	}
	e := newTestEngine(ft, NewFirmwarePackage())
	e.session.State = StateSessionOpen

	if err := e.ReceivePit(); err == nil {
		t.Fatal("expected short PIT read to abort")
	}
	if e.session.State != StateAborted {
		t.Errorf("state = %v, want Aborted", e.session.State)
	}
}

func TestTransferEntry_ChunkedAcrossPackets(t *testing.T) {
	entry := &FirmwareEntry{
		PartitionName: "BOOT",
		Buf:           fillBytes(2500, 0x5A),
	}

	ft := &fakeTransport{
		reads: [][]byte{
			buildFakeResponse(cmdFile, 0), // open ack
			buildFakeResponse(cmdFile, 0), // set-info ack
			buildFakeResponse(cmdFile, 0), // chunk 1 ack
			buildFakeResponse(cmdFile, 0), // chunk 2 ack
			buildFakeResponse(cmdFile, 0), // chunk 3 ack
			buildFakeResponse(cmdFile, 0), // end ack
		},
	}
	e := newTestEngine(ft, NewFirmwarePackage())
	e.session.State = StateReady
	e.session.PacketSize = 1024

	if err := e.TransferEntry(entry); err != nil {
		t.Fatalf("TransferEntry failed: %v", err)
	}

	// 2 command writes (open, set-info) + 3 data chunks + 1 close command.
	if len(ft.writes) != 6 {
		t.Fatalf("got %d writes, want 6", len(ft.writes))
	}
	if len(ft.writes[2]) != 1024 || len(ft.writes[3]) != 1024 || len(ft.writes[4]) != 452 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d", len(ft.writes[2]), len(ft.writes[3]), len(ft.writes[4]))
	}
}

// buildWriteProtectResponse builds a non-echo response carrying a
// negative protect code at offset 8, the shape spec.md §4.6/§8
// Scenario 6 documents for a write-protect failure.
func buildWriteProtectResponse(code int32) []byte {
	buf := make([]byte, cmdPacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], cmdConnection) // mismatched echo
	binary.LittleEndian.PutUint32(buf[8:12], uint32(code))
	return buf
}

func TestTransferEntry_WriteProtectFailure(t *testing.T) {
	entry := &FirmwareEntry{
		PartitionName: "BOOT",
		Buf:           fillBytes(100, 0x11),
	}

	ft := &fakeTransport{
		reads: [][]byte{
			buildFakeResponse(cmdFile, 0),        // open ack
			buildFakeResponse(cmdFile, 0),        // set-info ack
			buildWriteProtectResponse(-4),        // chunk 1 rejected: write-protected
			buildFakeResponse(cmdConnection, 0),  // best-effort close ack
		},
	}
	e := newTestEngine(ft, NewFirmwarePackage())
	e.session.State = StateReady
	e.session.PacketSize = 1024

	err := e.TransferEntry(entry)
	if err == nil {
		t.Fatal("expected write-protect failure")
	}
	ce, ok := err.(*CoreError)
	if !ok {
		t.Fatalf("expected *CoreError, got %T", err)
	}
	if ce.Kind != ErrWriteProtect || ce.Code != WPWrite {
		t.Errorf("got Kind=%v Code=%v, want ErrWriteProtect/WPWrite", ce.Kind, ce.Code)
	}
	if e.session.State != StateAborted {
		t.Errorf("state = %v, want Aborted", e.session.State)
	}
}

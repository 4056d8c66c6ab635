package odin

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// Transport is the subset of UsbTransport the engine depends on. Tests
// substitute a fake that never touches libusb.
type Transport interface {
	Write(buf []byte) (int, error)
	ReadTimeout(buf []byte, timeout time.Duration) (int, error)
	IsZLPSupported() bool
	IsSystemLSI() bool
	MaxPacketSize() int
}

// SessionState is one node of the engine's state machine.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateHandshaken
	StateSessionOpen
	StatePitReceived
	StateReady
	StateClosed
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateHandshaken:
		return "Handshaken"
	case StateSessionOpen:
		return "SessionOpen"
	case StatePitReceived:
		return "PitReceived"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

const (
	cmdPacketSize      = 0x800
	initialPacketSize  = 0x400
	largePacketSize    = 0x100000
	deviceInfoMagic    = 0x12345678
	handshakeReadBytes = 64
)

// Command codes, see §4.6.
const (
	cmdSession    uint32 = 0x64
	cmdPit        uint32 = 0x65
	cmdFile       uint32 = 0x66
	cmdConnection uint32 = 0x67
	cmdDeviceInfo uint32 = 0x69
)

const (
	subSessionBegin          uint32 = 0
	subSessionGetTotalBytes  uint32 = 2
	subSessionEnableTFlash   uint32 = 3
	subSessionFileTransferEnd uint32 = 4
	subSessionSetPacketSize  uint32 = 5
	subSessionPitSizeQuery   uint32 = 7

	subPitStart   uint32 = 0
	subPitReceive uint32 = 1
	subPitGetData uint32 = 2
	subPitEnd     uint32 = 3

	subFileStart   uint32 = 0
	subFileSetInfo uint32 = 1
	subFileSendData uint32 = 2
	subFileEnd     uint32 = 3

	subConnClose      uint32 = 0
	subConnReboot     uint32 = 1
	subConnRedownload uint32 = 2

	subDeviceInfoGetSize uint32 = 0
	subDeviceInfoGetData uint32 = 1
	subDeviceInfoEnd     uint32 = 2
)

// DeviceSession is the volatile state of one flashing attempt on one
// physical device.
type DeviceSession struct {
	transport          Transport
	State              SessionState
	PacketSize         uint32
	DeviceInfoReceived bool
	ZLPSupported       bool
	SystemLSI          bool
	Pit                *PitTable
}

// SessionSummary accumulates the outcome of one download() run for
// reporting to the caller once the session ends.
type SessionSummary struct {
	State            SessionState
	EntriesSent      int
	BytesSent        int64
	PitEntryCount    int
	DeviceInfoSeen   bool
	WriteProtectCode WriteProtectCode
	Err              error
}

// ProtocolEngine drives one DeviceSession through the full command
// state machine against a borrowed Transport and a read-only
// FirmwarePackage.
type ProtocolEngine struct {
	session   *DeviceSession
	pkg       *FirmwarePackage
	eraseMode bool
	label     string // for log correlation across concurrent devices
}

// NewProtocolEngine builds an engine over an already-claimed transport.
// label identifies the device in log output (typically its bus/address
// path).
func NewProtocolEngine(t Transport, pkg *FirmwarePackage, eraseMode bool, label string) *ProtocolEngine {
	return &ProtocolEngine{
		session: &DeviceSession{
			transport:  t,
			State:      StateDisconnected,
			PacketSize: initialPacketSize,
		},
		pkg:       pkg,
		eraseMode: eraseMode,
		label:     label,
	}
}

func (e *ProtocolEngine) logf() *log.Entry {
	return log.WithFields(log.Fields{"component": "ProtocolEngine", "device": e.label})
}

// buildPacket lays out a fixed 0x800-byte command packet: three
// little-endian u32s at offsets 0, 4, 8, zero-padded beyond.
func buildPacket(cmd, sub, arg uint32) []byte {
	buf := make([]byte, cmdPacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], cmd)
	binary.LittleEndian.PutUint32(buf[4:8], sub)
	binary.LittleEndian.PutUint32(buf[8:12], arg)
	return buf
}

type commandResponse struct {
	Echo   uint32
	Result int32
	Second int32
	Raw    []byte
}

func (e *ProtocolEngine) sendCommand(cmd, sub, arg uint32) error {
	pkt := buildPacket(cmd, sub, arg)
	if _, err := e.session.transport.Write(pkt); err != nil {
		return err
	}
	return nil
}

// recvResponse reads one response using the 30s command-exchange
// timeout tier from §5.
func (e *ProtocolEngine) recvResponse() (commandResponse, error) {
	return e.recvResponseTimeout(defaultReadTimeout)
}

// recvResponseTimeout reads one response bounded by an explicit
// timeout, used where a caller needs a different tier than the
// default command exchange (e.g. the 60s transfer tier for file-chunk
// acks).
func (e *ProtocolEngine) recvResponseTimeout(timeout time.Duration) (commandResponse, error) {
	buf := make([]byte, cmdPacketSize)
	n, err := e.session.transport.ReadTimeout(buf, timeout)
	if err != nil {
		return commandResponse{}, err
	}
	if n < 8 {
		return commandResponse{}, newErr(ErrProtocol, "response shorter than required", nil)
	}
	resp := commandResponse{
		Echo:   binary.LittleEndian.Uint32(buf[0:4]),
		Result: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Raw:    buf[:n],
	}
	if n >= 12 {
		resp.Second = int32(binary.LittleEndian.Uint32(buf[8:12]))
	}
	return resp, nil
}

// command sends one command packet and reads back one response,
// bundled since almost every exchange in §4.6 is request/response.
func (e *ProtocolEngine) command(cmd, sub, arg uint32) (commandResponse, error) {
	if err := e.sendCommand(cmd, sub, arg); err != nil {
		return commandResponse{}, err
	}
	return e.recvResponse()
}

// requireEcho fails unless resp.Echo == cmd, the shape every
// non-scalar-only exchange in §4.6 requires.
func requireEcho(resp commandResponse, cmd uint32) error {
	if resp.Echo != cmd {
		return newErr(ErrProtocol, fmt.Sprintf("expected echo of %#x, got %#x", cmd, resp.Echo), nil)
	}
	return nil
}

// Handshake writes the ODIN greeting and waits up to one second for the
// LOKE reply.
func (e *ProtocolEngine) Handshake() error {
	if _, err := e.session.transport.Write([]byte("ODIN")); err != nil {
		return e.abort(newErr(ErrTransport, "sending handshake", err))
	}

	buf := make([]byte, handshakeReadBytes)
	n, err := e.session.transport.ReadTimeout(buf, 1*time.Second)
	if err != nil {
		return e.abort(newErr(ErrProtocol, "no handshake reply", err))
	}
	if n < 4 || string(buf[:4]) != "LOKE" {
		return e.abort(newErr(ErrProtocol, "unexpected handshake reply", nil))
	}

	e.session.State = StateHandshaken
	e.logf().Info("handshake complete")
	return nil
}

// BeginSession negotiates packet size, queries total bytes as an
// advisory, and optionally enables the erase mode requested by the
// caller.
func (e *ProtocolEngine) BeginSession() error {
	resp, err := e.command(cmdSession, subSessionBegin, 0)
	if err != nil {
		return e.abort(err)
	}

	if resp.Result != 0 {
		ackResp, err := e.command(cmdSession, subSessionSetPacketSize, largePacketSize)
		if err != nil {
			return e.abort(err)
		}
		if err := requireEcho(ackResp, cmdSession); err != nil {
			return e.abort(err)
		}
		e.session.PacketSize = largePacketSize
		e.logf().WithField("packetSize", largePacketSize).Info("device accepted large packet size")
	} else {
		e.session.PacketSize = initialPacketSize
	}

	e.session.ZLPSupported = e.session.transport.IsZLPSupported()
	e.session.SystemLSI = e.session.transport.IsSystemLSI()

	if e.session.ZLPSupported {
		if totalResp, err := e.command(cmdSession, subSessionGetTotalBytes, 0); err == nil {
			e.logf().WithField("totalBytes", totalResp.Result).Debug("advisory total bytes")
		} else {
			e.logf().WithError(err).Debug("advisory total-bytes query failed, ignoring")
		}
	}

	if e.eraseMode {
		eraseResp, err := e.command(cmdSession, subSessionEnableTFlash, 1)
		if err != nil {
			return e.abort(err)
		}
		if eraseResp.Result != 0 {
			return e.abort(newErr(ErrProtocol, "device rejected erase mode", nil))
		}
	}

	e.session.State = StateSessionOpen
	return nil
}

// GetDeviceInfo is best-effort: failures are logged and swallowed so
// download() can continue.
func (e *ProtocolEngine) GetDeviceInfo() {
	if err := e.getDeviceInfo(); err != nil {
		e.logf().WithError(err).Warn("device info phase failed, continuing")
		return
	}
	e.session.DeviceInfoReceived = true
}

func (e *ProtocolEngine) getDeviceInfo() error {
	sizeResp, err := e.command(cmdDeviceInfo, subDeviceInfoGetSize, 0)
	if err != nil {
		return err
	}
	if sizeResp.Result <= 0 {
		return newErr(ErrProtocol, "device reported non-positive info size", nil)
	}
	size := uint32(sizeResp.Result)

	if err := e.sendCommand(cmdDeviceInfo, subDeviceInfoGetData, size); err != nil {
		return err
	}
	buf := make([]byte, size)
	n, err := e.session.transport.ReadTimeout(buf, defaultReadTimeout)
	if err != nil {
		return err
	}
	if uint32(n) < size || n < 8 {
		return newErr(ErrProtocol, "device info transfer too short", nil)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != deviceInfoMagic {
		return newErr(ErrProtocol, "device info magic mismatch", nil)
	}
	entryCount := binary.LittleEndian.Uint32(buf[4:8])
	e.logf().WithField("entries", entryCount).Debug("device info received")

	if _, err := e.command(cmdDeviceInfo, subDeviceInfoEnd, 0); err != nil {
		return err
	}
	return nil
}

// ReceivePit pulls the device's live PIT and parses it, per §4.6.
func (e *ProtocolEngine) ReceivePit() error {
	if e.session.PacketSize == largePacketSize {
		if _, err := e.command(cmdSession, subSessionPitSizeQuery, 0); err != nil {
			e.logf().WithError(err).Debug("advisory PIT size query failed, ignoring")
		}
	}

	sizeResp, err := e.command(cmdPit, subPitReceive, 0)
	if err != nil {
		return e.abort(err)
	}
	if sizeResp.Result <= 0 {
		return e.abort(newErr(ErrPitFormat, "device reported non-positive PIT size", nil))
	}
	n := uint32(sizeResp.Result)
	t := pitRoundUp500(n)

	if err := e.sendCommand(cmdPit, subPitGetData, t); err != nil {
		return e.abort(err)
	}

	buf := make([]byte, t)
	got, err := e.session.transport.ReadTimeout(buf, defaultReadTimeout)
	if err != nil || uint32(got) < t {
		e.closeBestEffort()
		return e.abort(newErr(ErrTransport, "short read receiving PIT", err))
	}

	if _, err := e.command(cmdPit, subPitEnd, 0); err != nil {
		return e.abort(err)
	}

	pit, err := ParsePit(buf)
	if err != nil {
		return e.abort(err)
	}
	e.session.Pit = pit
	e.session.State = StatePitReceived
	e.logf().WithField("entries", len(pit.Entries)).Info("PIT received")
	return nil
}

// sendCommandExpectEcho sends a command and requires that the response
// echoes it, a shape used by several exchanges that don't carry a
// meaningful scalar.
func (e *ProtocolEngine) sendCommandExpectEcho(cmd, sub, arg uint32) (commandResponse, error) {
	resp, err := e.command(cmd, sub, arg)
	if err != nil {
		return resp, err
	}
	if err := requireEcho(resp, cmd); err != nil {
		return resp, err
	}
	return resp, nil
}

// SendPit streams a user-supplied PIT file to the device, if one was
// configured on the package.
func (e *ProtocolEngine) SendPit() error {
	if e.pkg.Pit == nil {
		e.session.State = StateReady
		return nil
	}

	if _, err := e.sendCommandExpectEcho(cmdPit, subPitStart, 0); err != nil {
		return e.abort(err)
	}
	if _, err := e.sendCommandExpectEcho(cmdPit, subPitReceive, uint32(e.pkg.Pit.Size)); err != nil {
		return e.abort(err)
	}

	if err := e.streamFile(e.pkg.Pit.Path, e.pkg.Pit.Size); err != nil {
		return e.abort(err)
	}

	if _, err := e.command(cmdPit, subPitEnd, 0); err != nil {
		return e.abort(err)
	}

	e.session.State = StateReady
	e.logf().Info("PIT sent")
	return nil
}

func (e *ProtocolEngine) streamFile(path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return newErr(ErrTransport, "opening file for streaming", err)
	}
	defer f.Close()

	buf := make([]byte, e.session.PacketSize)
	var sent int64
	for sent < size {
		chunkLen := int64(e.session.PacketSize)
		if remaining := size - sent; remaining < chunkLen {
			chunkLen = remaining
		}
		n, rerr := f.Read(buf[:chunkLen])
		if n > 0 {
			if _, werr := e.session.transport.Write(buf[:n]); werr != nil {
				return werr
			}
			if _, err := e.recvResponseTimeout(transferReadTimeout); err != nil {
				return err
			}
			sent += int64(n)
		}
		if rerr != nil {
			break
		}
	}
	return nil
}

// TransferEntry sends one buffered firmware entry, per §4.6's chunking
// and 10%-boundary progress rule.
func (e *ProtocolEngine) TransferEntry(entry *FirmwareEntry) error {
	e.logf().WithFields(log.Fields{
		"partition":    entry.PartitionName,
		"index":        entry.Index,
		"sourceOffset": entry.SourceOffset,
		"bytes":        len(entry.Buf),
	}).Debug("starting entry transfer")

	if _, err := e.sendCommandExpectEcho(cmdFile, subFileStart, 0); err != nil {
		return e.abort(err)
	}
	if _, err := e.sendCommandExpectEcho(cmdFile, subFileSetInfo, uint32(len(entry.Buf))); err != nil {
		return e.abort(err)
	}

	total := int64(len(entry.Buf))
	var sent int64
	nextBoundary := int64(10)

	for sent < total {
		chunkLen := int64(e.session.PacketSize)
		if remaining := total - sent; remaining < chunkLen {
			chunkLen = remaining
		}
		chunk := entry.Buf[sent : sent+chunkLen]

		if _, err := e.session.transport.Write(chunk); err != nil {
			return e.abort(err)
		}
		resp, err := e.recvResponseTimeout(transferReadTimeout)
		if err != nil {
			return e.abort(err)
		}
		if resp.Echo != cmdFile && resp.Second < 0 {
			code := WriteProtectCodeFromScalar(resp.Second)
			e.closeBestEffort()
			return e.abort(newWriteProtectErr(code))
		}

		sent += chunkLen

		if total > 0 {
			pct := sent * 100 / total
			if pct >= nextBoundary {
				e.logf().WithFields(log.Fields{
					"partition": entry.PartitionName,
					"percent":   pct,
				}).Info("transfer progress")
				for nextBoundary <= pct {
					nextBoundary += 10
				}
			}
		}
	}

	if _, err := e.command(cmdFile, subFileEnd, 0); err != nil {
		return e.abort(err)
	}
	return nil
}

// Download runs the full sequence over every entry in the package:
// handshake, session begin, best-effort device info, PIT receive,
// optional PIT send, then each firmware entry in turn.
func (e *ProtocolEngine) Download() SessionSummary {
	summary := SessionSummary{}

	if err := e.Handshake(); err != nil {
		summary.Err = err
		summary.State = e.session.State
		return summary
	}
	if err := e.BeginSession(); err != nil {
		summary.Err = err
		summary.State = e.session.State
		return summary
	}

	e.GetDeviceInfo()
	summary.DeviceInfoSeen = e.session.DeviceInfoReceived

	if err := e.ReceivePit(); err != nil {
		summary.Err = err
		summary.State = e.session.State
		return summary
	}
	summary.PitEntryCount = len(e.session.Pit.Entries)

	if err := e.SendPit(); err != nil {
		summary.Err = err
		summary.State = e.session.State
		return summary
	}

	entries := make([]*FirmwareEntry, len(e.pkg.Entries))
	copy(entries, e.pkg.Entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	for _, entry := range entries {
		if err := e.TransferEntry(entry); err != nil {
			if ce, ok := err.(*CoreError); ok && ce.Kind == ErrWriteProtect {
				summary.WriteProtectCode = ce.Code
			}
			summary.Err = err
			summary.State = e.session.State
			return summary
		}
		summary.EntriesSent++
		summary.BytesSent += int64(len(entry.Buf))
	}

	if err := e.CloseSession(); err != nil {
		summary.Err = err
	}
	summary.State = e.session.State
	return summary
}

// Redownload performs the handshake and session begin, then requests
// the device re-enter download mode instead of running a normal
// download.
func (e *ProtocolEngine) Redownload() error {
	if err := e.Handshake(); err != nil {
		return err
	}
	if err := e.BeginSession(); err != nil {
		return err
	}
	if _, err := e.command(cmdConnection, subConnRedownload, 0); err != nil {
		return e.abort(err)
	}
	e.session.State = StateClosed
	return nil
}

// CloseSession sends the session-close command followed unconditionally
// by the reboot command, per §4.6's close sequence; the reboot command
// does not wait for a response.
func (e *ProtocolEngine) CloseSession() error {
	if _, err := e.sendCommandExpectEcho(cmdConnection, subConnClose, 0); err != nil {
		return e.abort(err)
	}
	if err := e.sendCommand(cmdConnection, subConnReboot, 0); err != nil {
		return e.abort(err)
	}
	e.session.State = StateClosed
	e.logf().Info("session closed, device rebooting")
	return nil
}

// closeBestEffort attempts a clean close after a fatal error, per the
// "abort ⇒ best-effort close" rule in §4.6. Its own errors are logged,
// never propagated: the original failure is what the caller reports.
func (e *ProtocolEngine) closeBestEffort() {
	if err := e.sendCommand(cmdConnection, subConnClose, 0); err != nil {
		e.logf().WithError(err).Debug("best-effort close failed")
	}
}

func (e *ProtocolEngine) abort(err error) error {
	e.session.State = StateAborted
	e.closeBestEffort()
	e.logf().WithError(err).Error("session aborted")
	return err
}

package odin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"
	log "github.com/sirupsen/logrus"
)

// Samsung's download-mode VID and the two PIDs its bootloader is known
// to enumerate under.
const (
	VID        gousb.ID = 0x04E8
	PIDOdin    gousb.ID = 0x6601
	PIDOdinAlt gousb.ID = 0x685D
)

// cdcDataInterfaceClass is the USB interface class Odin's bulk transport
// enumerates under (CDC-DATA), per §4.1's endpoint-map invariant.
const cdcDataInterfaceClass = 0x0A

var errNoDevice = errors.New("no Samsung download-mode device found")

// DeviceInfo identifies one enumerated download-mode device without
// opening it for exclusive access.
type DeviceInfo struct {
	Bus          int
	Address      int
	Manufacturer string
	Product      string
	Serial       string
}

// Path returns a stable string a caller can pass back to OpenTransport
// to select this exact device among several attached at once.
func (d DeviceInfo) Path() string {
	return fmt.Sprintf("%03d/%03d", d.Bus, d.Address)
}

// DeviceEnumerator lists attached download-mode devices without
// claiming any of them.
type DeviceEnumerator struct {
	ctx *gousb.Context
}

// NewDeviceEnumerator opens a libusb context for listing purposes only.
// The caller must call Close when done.
func NewDeviceEnumerator() *DeviceEnumerator {
	return &DeviceEnumerator{ctx: gousb.NewContext()}
}

// Close releases the enumerator's libusb context.
func (e *DeviceEnumerator) Close() {
	if e.ctx != nil {
		e.ctx.Close()
	}
}

// List returns every attached device matching the Odin VID/PID pair.
func (e *DeviceEnumerator) List() ([]DeviceInfo, error) {
	var infos []DeviceInfo

	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VID && (desc.Product == PIDOdin || desc.Product == PIDOdinAlt)
	})
	for _, d := range devs {
		info := DeviceInfo{
			Bus:     d.Desc.Bus,
			Address: d.Desc.Address,
		}
		info.Manufacturer, _ = d.Manufacturer()
		info.Product, _ = d.Product()
		info.Serial, _ = d.SerialNumber()
		infos = append(infos, info)
		d.Close()
	}
	if err != nil {
		return infos, newErr(ErrTransport, "enumerating download-mode devices", err)
	}
	return infos, nil
}

// UsbTransport owns one claimed Odin download-mode interface. Unlike a
// continuous HID notification stream, the Odin protocol is a strict
// request/response exchange, so reads and writes below are synchronous
// blocking bulk transfers rather than a queued async loop.
type UsbTransport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	iface  *gousb.Interface

	in  *gousb.InEndpoint
	out *gousb.OutEndpoint

	detached bool
	zlp      bool
	systemLSI bool

	readTimeout  time.Duration
	writeTimeout time.Duration
}

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	transferReadTimeout = 60 * time.Second
)

// OpenTransport claims the first Odin download-mode device found, or, if
// path is non-empty, the specific device whose DeviceInfo.Path matches
// it.
func OpenTransport(path string) (*UsbTransport, error) {
	ctx := gousb.NewContext()

	dev, err := findDevice(ctx, path)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	t := &UsbTransport{
		ctx:          ctx,
		dev:          dev,
		zlp:          true,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}

	product, _ := dev.Product()
	manufacturer, _ := dev.Manufacturer()
	upper := strings.ToUpper(product + " " + manufacturer)
	t.systemLSI = strings.Contains(upper, "SAMSUNG") || strings.Contains(upper, "LSI")

	if err := t.claim(); err != nil {
		t.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"component":  "UsbTransport",
		"bus":        dev.Desc.Bus,
		"address":    dev.Desc.Address,
		"systemLSI":  t.systemLSI,
	}).Info("claimed download-mode interface")

	return t, nil
}

func findDevice(ctx *gousb.Context, path string) (*gousb.Device, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != VID || (desc.Product != PIDOdin && desc.Product != PIDOdinAlt) {
			return false
		}
		if path == "" {
			return true
		}
		return fmt.Sprintf("%03d/%03d", desc.Bus, desc.Address) == path
	})
	if err != nil {
		return nil, newErr(ErrTransport, "opening download-mode device", err)
	}
	if len(devs) == 0 {
		return nil, newErr(ErrTransport, errNoDevice.Error(), nil)
	}
	// close every match past the first; only one device is claimed.
	for _, extra := range devs[1:] {
		extra.Close()
	}
	return devs[0], nil
}

// claim selects config 1, detaches the kernel driver if attached, walks
// the descriptor tree for the first CDC-DATA (class 0x0A) interface
// exposing a bulk IN/OUT endpoint pair, and claims that interface's
// alt setting.
func (t *UsbTransport) claim() error {
	if err := t.dev.SetAutoDetach(true); err != nil {
		log.WithField("component", "UsbTransport").Debug("SetAutoDetach unsupported on this platform")
	}

	cfg, err := t.dev.Config(1)
	if err != nil {
		return newErr(ErrTransport, "selecting USB config 1", err)
	}
	t.config = cfg

Outer:
	for _, ifaceDesc := range cfg.Desc.Interfaces {
		for _, alt := range ifaceDesc.AltSettings {
			if alt.Class != gousb.Class(cdcDataInterfaceClass) {
				continue
			}
			var inEP, outEP *gousb.EndpointDesc
			for i := range alt.Endpoints {
				ep := alt.Endpoints[i]
				if ep.TransferType != gousb.TransferTypeBulk {
					continue
				}
				if ep.Direction == gousb.EndpointDirectionIn {
					inEP = &ep
				} else {
					outEP = &ep
				}
			}
			if inEP == nil || outEP == nil {
				continue
			}

			iface, err := cfg.Interface(alt.Number, alt.Alternate)
			if err != nil {
				continue
			}

			in, err := iface.InEndpoint(inEP.Number)
			if err != nil {
				iface.Close()
				continue
			}
			out, err := iface.OutEndpoint(outEP.Number)
			if err != nil {
				iface.Close()
				continue
			}

			t.iface = iface
			t.in = in
			t.out = out
			break Outer
		}
	}

	if t.in == nil || t.out == nil {
		return newErr(ErrTransport, "no CDC-DATA bulk IN/OUT endpoint pair found on download-mode device", nil)
	}
	return nil
}

// Write sends buf as a single bulk OUT transfer, chunked at the
// endpoint's maximum packet size by gousb itself, bounded by the
// transport's write timeout per §4.1.
func (t *UsbTransport) Write(buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()
	n, err := t.out.WriteContext(ctx, buf)
	if err != nil && n == 0 {
		return n, newErr(ErrTransport, "bulk write failed", err)
	}
	return n, nil
}

// Read fills buf from a single bulk IN transfer, using the transport's
// default read timeout.
func (t *UsbTransport) Read(buf []byte) (int, error) {
	return t.ReadTimeout(buf, t.readTimeout)
}

// ReadTimeout fills buf from a single bulk IN transfer bounded by
// timeout. A timeout with zero bytes moved is a Transport error; per
// §4.1 a timeout that did move bytes is not treated as an error by
// callers inspecting the returned count.
func (t *UsbTransport) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil && n == 0 {
		return n, newErr(ErrTransport, "bulk read failed", err)
	}
	return n, nil
}

// IsZLPSupported reports whether the transport should terminate
// transfers that are an exact multiple of the endpoint's max packet
// size with a zero-length packet. Every Odin-mode device observed to
// date supports it, so it is assumed true rather than probed.
func (t *UsbTransport) IsZLPSupported() bool {
	return t.zlp
}

// IsSystemLSI reports whether the claimed device identifies itself as a
// Samsung/LSI download-mode controller via its USB string descriptors.
func (t *UsbTransport) IsSystemLSI() bool {
	return t.systemLSI
}

// MaxPacketSize returns the OUT endpoint's max packet size. No trailing
// ZLP is sent by this transport or the protocol engine.
func (t *UsbTransport) MaxPacketSize() int {
	return t.out.Desc.MaxPacketSize
}

// Release closes the claimed interface and config without tearing down
// the underlying device or context, leaving the transport reusable via
// a fresh claim().
func (t *UsbTransport) Release() {
	if t.iface != nil {
		t.iface.Close()
		t.iface = nil
	}
	if t.config != nil {
		t.config.Close()
		t.config = nil
	}
}

// Close releases the interface, then the device and context. The
// transport must not be used afterward.
func (t *UsbTransport) Close() {
	t.Release()
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
}

package greenpower

import (
	"fmt"

	"zigbee-zcl/internal/zcl"
)

func bit(v bool, n uint) uint32 {
	if v {
		return 1 << n
	}
	return 0
}

func has(opts uint32, n uint) bool { return opts&(1<<n) != 0 }

func field(opts uint32, shift, width uint) uint8 {
	return uint8((opts >> shift) & (1<<width - 1))
}

// maxGPDPayload is the longest GPD command payload a length byte can carry;
// 0xFF is reserved.
const maxGPDPayload = 0xFE

func putGPDPayload(w *zcl.Writer, p []byte) {
	if len(p) > maxGPDPayload {
		w.Fail(fmt.Errorf("greenpower: gpd payload of %d bytes exceeds %d: %w", len(p), maxGPDPayload, zcl.StatusInvalidValue))
		p = p[:maxGPDPayload]
	}
	w.Uint8(uint8(len(p)))
	w.Bytes(p)
}

func readGPDPayload(r *zcl.Reader) []byte {
	n := r.Uint8()
	if n == 0 || n == 0xFF {
		return nil
	}
	return r.Bytes(int(n))
}

// ProxyInfo is the forwarding proxy appended to notifications.
type ProxyInfo struct {
	ShortAddr uint16
	// Link packs the RSSI (bits 0-5) and link quality (bits 6-7).
	Link uint8
}

// Notification forwards a GPD data frame from a proxy to the sink.
type Notification struct {
	GPD              GPDID
	AlsoUnicast      bool
	AlsoDerivedGroup bool
	AlsoCommGroup    bool
	SecurityLevel    uint8
	SecurityKeyType  uint8
	RxAfterTx        bool
	TxQueueFull      bool
	BidirectionalCap bool
	FrameCounter     uint32
	GPDCommand       uint8
	Payload          []byte
	Proxy            *ProxyInfo
}

func (*Notification) CommandID() uint8 { return CmdNotification }
func (*Notification) Direction() zcl.Direction { return zcl.ClientToServer }

func (n *Notification) options() uint32 {
	return uint32(appOf(n.GPD)) |
		bit(n.AlsoUnicast, 3) | bit(n.AlsoDerivedGroup, 4) | bit(n.AlsoCommGroup, 5) |
		uint32(n.SecurityLevel&0x03)<<6 | uint32(n.SecurityKeyType&0x07)<<8 |
		bit(n.RxAfterTx, 11) | bit(n.TxQueueFull, 12) | bit(n.BidirectionalCap, 13) |
		bit(n.Proxy != nil, 14)
}

func (n *Notification) Encode(w *zcl.Writer) {
	w.Uint16(uint16(n.options()))
	putGPDID(w, n.GPD)
	w.Uint32(n.FrameCounter)
	w.Uint8(n.GPDCommand)
	putGPDPayload(w, n.Payload)
	if n.Proxy != nil {
		w.Uint16(n.Proxy.ShortAddr)
		w.Uint8(n.Proxy.Link)
	}
}

func (n *Notification) Decode(r *zcl.Reader) {
	opts := uint32(r.Uint16())
	n.GPD = readGPDID(r, AppID(field(opts, 0, 3)))
	n.AlsoUnicast = has(opts, 3)
	n.AlsoDerivedGroup = has(opts, 4)
	n.AlsoCommGroup = has(opts, 5)
	n.SecurityLevel = field(opts, 6, 2)
	n.SecurityKeyType = field(opts, 8, 3)
	n.RxAfterTx = has(opts, 11)
	n.TxQueueFull = has(opts, 12)
	n.BidirectionalCap = has(opts, 13)
	n.FrameCounter = r.Uint32()
	n.GPDCommand = r.Uint8()
	n.Payload = readGPDPayload(r)
	if has(opts, 14) {
		n.Proxy = &ProxyInfo{ShortAddr: r.Uint16(), Link: r.Uint8()}
	}
}

// CommissioningNotification forwards a GPD frame received while the proxy
// is in commissioning mode.
type CommissioningNotification struct {
	GPD              GPDID
	RxAfterTx        bool
	SecurityLevel    uint8
	SecurityKeyType  uint8
	BidirectionalCap bool
	FrameCounter     uint32
	GPDCommand       uint8
	Payload          []byte
	Proxy            *ProxyInfo
	// MIC is set when the proxy failed security processing of the frame.
	MIC *uint32
}

func (*CommissioningNotification) CommandID() uint8 { return CmdCommissioningNotification }
func (*CommissioningNotification) Direction() zcl.Direction { return zcl.ClientToServer }

// SecurityFailed reports whether the proxy could not authenticate the frame.
func (c *CommissioningNotification) SecurityFailed() bool { return c.MIC != nil }

func (c *CommissioningNotification) options() uint32 {
	return uint32(appOf(c.GPD)) | bit(c.RxAfterTx, 3) |
		uint32(c.SecurityLevel&0x03)<<4 | uint32(c.SecurityKeyType&0x07)<<6 |
		bit(c.MIC != nil, 9) | bit(c.BidirectionalCap, 10) | bit(c.Proxy != nil, 11)
}

func (c *CommissioningNotification) Encode(w *zcl.Writer) {
	w.Uint16(uint16(c.options()))
	putGPDID(w, c.GPD)
	w.Uint32(c.FrameCounter)
	w.Uint8(c.GPDCommand)
	putGPDPayload(w, c.Payload)
	if c.Proxy != nil {
		w.Uint16(c.Proxy.ShortAddr)
		w.Uint8(c.Proxy.Link)
	}
	if c.MIC != nil {
		w.Uint32(*c.MIC)
	}
}

func (c *CommissioningNotification) Decode(r *zcl.Reader) {
	opts := uint32(r.Uint16())
	c.GPD = readGPDID(r, AppID(field(opts, 0, 3)))
	c.RxAfterTx = has(opts, 3)
	c.SecurityLevel = field(opts, 4, 2)
	c.SecurityKeyType = field(opts, 6, 3)
	c.BidirectionalCap = has(opts, 10)
	c.FrameCounter = r.Uint32()
	c.GPDCommand = r.Uint8()
	c.Payload = readGPDPayload(r)
	if has(opts, 11) {
		c.Proxy = &ProxyInfo{ShortAddr: r.Uint16(), Link: r.Uint8()}
	}
	if has(opts, 9) {
		mic := r.Uint32()
		c.MIC = &mic
	}
}

// Response is sent by the sink to a proxy (the temp master) for delivery
// to a bidirectional GPD.
type Response struct {
	GPD                 GPDID
	TxOnEndpointMatch   bool
	TempMasterShortAddr uint16
	TempMasterChannel   uint8
	GPDCommand          uint8
	Payload             []byte
}

func (*Response) CommandID() uint8 { return CmdResponse }
func (*Response) Direction() zcl.Direction { return zcl.ServerToClient }

func (p *Response) Encode(w *zcl.Writer) {
	w.Uint8(uint8(uint32(appOf(p.GPD)) | bit(p.TxOnEndpointMatch, 3)))
	w.Uint16(p.TempMasterShortAddr)
	w.Uint8(p.TempMasterChannel)
	putGPDID(w, p.GPD)
	w.Uint8(p.GPDCommand)
	putGPDPayload(w, p.Payload)
}

func (p *Response) Decode(r *zcl.Reader) {
	opts := uint32(r.Uint8())
	p.TxOnEndpointMatch = has(opts, 3)
	p.TempMasterShortAddr = r.Uint16()
	p.TempMasterChannel = r.Uint8()
	p.GPD = readGPDID(r, AppID(field(opts, 0, 3)))
	p.GPDCommand = r.Uint8()
	p.Payload = readGPDPayload(r)
}

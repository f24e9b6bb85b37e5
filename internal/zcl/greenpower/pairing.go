package greenpower

import "zigbee-zcl/internal/zcl"

// Pairing tells proxies to add or remove a pairing between a GPD and this
// sink.
type Pairing struct {
	GPD             GPDID
	AddSink         bool
	RemoveGPD       bool
	CommMode        CommMode
	GPDFixed        bool
	SeqNumCap       bool
	SecurityLevel   uint8
	SecurityKeyType uint8
	// Sink address: IEEE and network address for unicast modes, group for
	// group modes. Not present when RemoveGPD is set.
	SinkIEEE  zcl.IEEEAddr
	SinkNwk   uint16
	SinkGroup uint16
	// Fields below are carried only when AddSink is set (and RemoveGPD is
	// not).
	DeviceID        uint8
	FrameCounter    *uint32
	Key             *[16]byte
	Alias           *uint16
	GroupcastRadius *uint8
}

func (*Pairing) CommandID() uint8 { return CmdPairing }
func (*Pairing) Direction() zcl.Direction { return zcl.ServerToClient }

func (p *Pairing) adds() bool { return p.AddSink && !p.RemoveGPD }

func (p *Pairing) options() uint32 {
	add := p.adds()
	return uint32(appOf(p.GPD)) | bit(p.AddSink, 3) | bit(p.RemoveGPD, 4) |
		uint32(p.CommMode&0x03)<<5 | bit(p.GPDFixed, 7) | bit(p.SeqNumCap, 8) |
		uint32(p.SecurityLevel&0x03)<<9 | uint32(p.SecurityKeyType&0x07)<<11 |
		bit(add && p.FrameCounter != nil, 14) | bit(add && p.Key != nil, 15) |
		bit(add && p.Alias != nil, 16) | bit(add && p.GroupcastRadius != nil, 17)
}

func (p *Pairing) Encode(w *zcl.Writer) {
	w.Uint24(p.options())
	putGPDID(w, p.GPD)
	if p.RemoveGPD {
		return
	}
	if p.CommMode.unicast() {
		w.IEEE(p.SinkIEEE)
		w.Uint16(p.SinkNwk)
	} else {
		w.Uint16(p.SinkGroup)
	}
	if !p.AddSink {
		return
	}
	w.Uint8(p.DeviceID)
	if p.FrameCounter != nil {
		w.Uint32(*p.FrameCounter)
	}
	if p.Key != nil {
		w.Bytes(p.Key[:])
	}
	if p.Alias != nil {
		w.Uint16(*p.Alias)
	}
	if p.GroupcastRadius != nil {
		w.Uint8(*p.GroupcastRadius)
	}
}

func (p *Pairing) Decode(r *zcl.Reader) {
	opts := r.Uint24()
	p.GPD = readGPDID(r, AppID(field(opts, 0, 3)))
	p.AddSink = has(opts, 3)
	p.RemoveGPD = has(opts, 4)
	p.CommMode = CommMode(field(opts, 5, 2))
	p.GPDFixed = has(opts, 7)
	p.SeqNumCap = has(opts, 8)
	p.SecurityLevel = field(opts, 9, 2)
	p.SecurityKeyType = field(opts, 11, 3)
	if p.RemoveGPD {
		return
	}
	if p.CommMode.unicast() {
		p.SinkIEEE = r.IEEE()
		p.SinkNwk = r.Uint16()
	} else {
		p.SinkGroup = r.Uint16()
	}
	if !p.AddSink {
		return
	}
	p.DeviceID = r.Uint8()
	if has(opts, 14) {
		fc := r.Uint32()
		p.FrameCounter = &fc
	}
	if has(opts, 15) {
		var key [16]byte
		copy(key[:], r.Bytes(16))
		p.Key = &key
	}
	if has(opts, 16) {
		alias := r.Uint16()
		p.Alias = &alias
	}
	if has(opts, 17) {
		radius := r.Uint8()
		p.GroupcastRadius = &radius
	}
}

// ProxyCommissioningMode puts proxies into or out of commissioning mode.
type ProxyCommissioningMode struct {
	Enter    bool
	ExitMode uint8
	Unicast  bool
	// Window (seconds) and Channel are only carried when entering.
	Window  *uint16
	Channel *uint8
}

func (*ProxyCommissioningMode) CommandID() uint8 { return CmdProxyCommissioningMode }
func (*ProxyCommissioningMode) Direction() zcl.Direction { return zcl.ServerToClient }

func (p *ProxyCommissioningMode) hasWindow() bool { return p.Enter && p.Window != nil }
func (p *ProxyCommissioningMode) hasChannel() bool { return p.Enter && p.Channel != nil }

func (p *ProxyCommissioningMode) Encode(w *zcl.Writer) {
	w.Uint8(uint8(bit(p.Enter, 0) | bit(p.hasWindow(), 1) | uint32(p.ExitMode&0x03)<<2 |
		bit(p.hasChannel(), 4) | bit(p.Unicast, 5)))
	if p.hasWindow() {
		w.Uint16(*p.Window)
	}
	if p.hasChannel() {
		w.Uint8(*p.Channel)
	}
}

func (p *ProxyCommissioningMode) Decode(r *zcl.Reader) {
	opts := uint32(r.Uint8())
	p.Enter = has(opts, 0)
	p.ExitMode = field(opts, 2, 2)
	p.Unicast = has(opts, 5)
	if p.Enter && has(opts, 1) {
		window := r.Uint16()
		p.Window = &window
	}
	if p.Enter && has(opts, 4) {
		ch := r.Uint8()
		p.Channel = &ch
	}
}

// SinkCommissioningMode asks a sink to enter or leave commissioning mode.
type SinkCommissioningMode struct {
	Enter              bool
	InvolveGPMSecurity bool
	InvolveGPMPairing  bool
	InvolveProxies     bool
	GPMAddrSecurity    uint16
	GPMAddrPairing     uint16
	SinkEndpoint       uint8
}

func (*SinkCommissioningMode) CommandID() uint8 { return CmdSinkCommissioningMode }
func (*SinkCommissioningMode) Direction() zcl.Direction { return zcl.ClientToServer }

func (s *SinkCommissioningMode) Encode(w *zcl.Writer) {
	w.Uint8(uint8(bit(s.Enter, 0) | bit(s.InvolveGPMSecurity, 1) | bit(s.InvolveGPMPairing, 2) |
		bit(s.InvolveProxies, 3)))
	w.Uint16(s.GPMAddrSecurity)
	w.Uint16(s.GPMAddrPairing)
	w.Uint8(s.SinkEndpoint)
}

func (s *SinkCommissioningMode) Decode(r *zcl.Reader) {
	opts := uint32(r.Uint8())
	s.Enter = has(opts, 0)
	s.InvolveGPMSecurity = has(opts, 1)
	s.InvolveGPMPairing = has(opts, 2)
	s.InvolveProxies = has(opts, 3)
	s.GPMAddrSecurity = r.Uint16()
	s.GPMAddrPairing = r.Uint16()
	s.SinkEndpoint = r.Uint8()
}

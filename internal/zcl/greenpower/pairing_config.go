package greenpower

import "zigbee-zcl/internal/zcl"

// Special paired-endpoint counts. Any of them means no endpoint list
// follows the count byte.
const (
	PairedEndpointsNone     uint8 = 0x00
	PairedEndpointsDerived  uint8 = 0xFD
	PairedEndpointsAll      uint8 = 0xFE
	PairedEndpointsReserved uint8 = 0xFF
)

// maxPairedEndpoints is the longest list whose count is not special.
const maxPairedEndpoints = 0xFC

func endpointListFollows(count uint8) bool {
	return count != PairedEndpointsNone && count < PairedEndpointsDerived
}

// PairedEndpoints is either an explicit endpoint list or one of the special
// counts.
type PairedEndpoints struct {
	Special uint8 // used when List is empty
	List    []uint8
}

func (p PairedEndpoints) count() uint8 {
	if len(p.List) > 0 {
		return uint8(min(len(p.List), maxPairedEndpoints))
	}
	if endpointListFollows(p.Special) {
		// a list count with no list
		return PairedEndpointsNone
	}
	return p.Special
}

func (p PairedEndpoints) encode(w *zcl.Writer) {
	n := p.count()
	w.Uint8(n)
	if endpointListFollows(n) {
		w.Bytes(p.List[:n])
	}
}

func readPairedEndpoints(r *zcl.Reader) PairedEndpoints {
	n := r.Uint8()
	if !endpointListFollows(n) {
		return PairedEndpoints{Special: n}
	}
	return PairedEndpoints{List: r.Bytes(int(n))}
}

// GroupAlias is one entry of a sink group list.
type GroupAlias struct {
	Group uint16 `json:"group"`
	Alias uint16 `json:"alias"`
}

func putGroupList(w *zcl.Writer, groups []GroupAlias) {
	n := min(len(groups), 0xFF)
	w.Uint8(uint8(n))
	for _, g := range groups[:n] {
		w.Uint16(g.Group)
		w.Uint16(g.Alias)
	}
}

func readGroupList(r *zcl.Reader) []GroupAlias {
	n := int(r.Uint8())
	groups := make([]GroupAlias, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		groups = append(groups, GroupAlias{Group: r.Uint16(), Alias: r.Uint16()})
	}
	return groups
}

// SecurityOptions is the GPD security level and key type.
type SecurityOptions struct {
	Level   uint8 `json:"level"`
	KeyType uint8 `json:"key_type"`
}

func (s SecurityOptions) bits() uint8 { return s.Level&0x03 | (s.KeyType&0x07)<<2 }

func securityOptionsOf(b uint8) SecurityOptions {
	return SecurityOptions{Level: b & 0x03, KeyType: (b >> 2) & 0x07}
}

// ClusterList is the cluster list of the application information. Its
// count byte holds the server count in the low nibble and the client count
// in the high nibble; each is at most 15.
type ClusterList struct {
	Server []uint16
	Client []uint16
}

const maxClusterListNibble = 0x0F

func (c ClusterList) counts() (server, client int) {
	return min(len(c.Server), maxClusterListNibble), min(len(c.Client), maxClusterListNibble)
}

func (c ClusterList) encode(w *zcl.Writer) {
	ns, nc := c.counts()
	w.Uint8(uint8(ns) | uint8(nc)<<4)
	for _, id := range c.Server[:ns] {
		w.Uint16(id)
	}
	for _, id := range c.Client[:nc] {
		w.Uint16(id)
	}
}

// readClusterList reads a count byte and (low + high nibble) cluster IDs. A
// zero count byte is a present but empty list.
func readClusterList(r *zcl.Reader) ClusterList {
	counts := r.Uint8()
	ns, nc := int(counts&0x0F), int(counts>>4)
	var c ClusterList
	for i := 0; i < ns && r.Err() == nil; i++ {
		c.Server = append(c.Server, r.Uint16())
	}
	for i := 0; i < nc && r.Err() == nil; i++ {
		c.Client = append(c.Client, r.Uint16())
	}
	return c
}

// AppInfo is the optional application information of a Pairing
// Configuration.
type AppInfo struct {
	ManufacturerID *uint16
	ModelID        *uint16
	// Commands is present when non-nil; an empty list is sent with count 0.
	Commands           []uint8
	Clusters           *ClusterList
	SwitchInfo         []byte
	DescriptionFollows bool
}

func (a *AppInfo) flags() uint8 {
	return uint8(bit(a.ManufacturerID != nil, 0) | bit(a.ModelID != nil, 1) |
		bit(a.Commands != nil, 2) | bit(a.Clusters != nil, 3) |
		bit(a.SwitchInfo != nil, 4) | bit(a.DescriptionFollows, 5))
}

func (a *AppInfo) encode(w *zcl.Writer) {
	w.Uint8(a.flags())
	if a.ManufacturerID != nil {
		w.Uint16(*a.ManufacturerID)
	}
	if a.ModelID != nil {
		w.Uint16(*a.ModelID)
	}
	if a.Commands != nil {
		n := min(len(a.Commands), 0xFF)
		w.Uint8(uint8(n))
		w.Bytes(a.Commands[:n])
	}
	if a.Clusters != nil {
		a.Clusters.encode(w)
	}
	if a.SwitchInfo != nil {
		n := min(len(a.SwitchInfo), 0xFF)
		w.Uint8(uint8(n))
		w.Bytes(a.SwitchInfo[:n])
	}
}

func readAppInfo(r *zcl.Reader) *AppInfo {
	flags := uint32(r.Uint8())
	a := &AppInfo{DescriptionFollows: has(flags, 5)}
	if has(flags, 0) {
		id := r.Uint16()
		a.ManufacturerID = &id
	}
	if has(flags, 1) {
		id := r.Uint16()
		a.ModelID = &id
	}
	if has(flags, 2) {
		a.Commands = r.Bytes(int(r.Uint8()))
	}
	if has(flags, 3) {
		c := readClusterList(r)
		a.Clusters = &c
	}
	if has(flags, 4) {
		a.SwitchInfo = r.Bytes(int(r.Uint8()))
	}
	return a
}

// PairingConfiguration is sent by a commissioning tool to configure a sink
// table entry.
type PairingConfiguration struct {
	Action        PairingAction
	SendPairing   bool
	GPD           GPDID
	CommMode      CommMode
	SeqNumCap     bool
	RxOnCap       bool
	FixedLocation bool
	DeviceID      uint8
	// Groups is carried only for the precommissioned group mode.
	Groups          []GroupAlias
	Alias           *uint16
	GroupcastRadius uint8
	// Security selects the security fields. Without it the frame counter is
	// carried only when SeqNumCap is set.
	Security        *SecurityOptions
	Key             [16]byte
	FrameCounter    uint32
	PairedEndpoints PairedEndpoints
	AppInfo         *AppInfo
	// ReportDescriptor is the rest of the frame for the application
	// description action.
	ReportDescriptor []byte
}

func (*PairingConfiguration) CommandID() uint8 { return CmdPairingConfiguration }
func (*PairingConfiguration) Direction() zcl.Direction { return zcl.ClientToServer }

func (p *PairingConfiguration) options() uint16 {
	return uint16(uint32(appOf(p.GPD)) | uint32(p.CommMode&0x03)<<3 |
		bit(p.SeqNumCap, 5) | bit(p.RxOnCap, 6) | bit(p.FixedLocation, 7) |
		bit(p.Alias != nil, 8) | bit(p.Security != nil, 9) | bit(p.AppInfo != nil, 10))
}

func (p *PairingConfiguration) Encode(w *zcl.Writer) {
	w.Uint8(uint8(p.Action)&0x07 | uint8(bit(p.SendPairing, 3)))
	w.Uint16(p.options())
	putGPDID(w, p.GPD)
	w.Uint8(p.DeviceID)
	if p.CommMode == CommModePrecommissionedGroup {
		putGroupList(w, p.Groups)
	}
	if p.Alias != nil {
		w.Uint16(*p.Alias)
	}
	w.Uint8(p.GroupcastRadius)
	switch {
	case p.Security != nil:
		w.Uint8(p.Security.bits())
		w.Uint32(p.FrameCounter)
		w.Bytes(p.Key[:])
	case p.SeqNumCap:
		w.Uint32(p.FrameCounter)
	}
	p.PairedEndpoints.encode(w)
	if p.AppInfo != nil {
		p.AppInfo.encode(w)
	}
	if p.Action == ActionApplicationDescription {
		w.Bytes(p.ReportDescriptor)
	}
}

func (p *PairingConfiguration) Decode(r *zcl.Reader) {
	actions := r.Uint8()
	p.Action = PairingAction(actions & 0x07)
	p.SendPairing = actions&0x08 != 0
	opts := uint32(r.Uint16())
	p.GPD = readGPDID(r, AppID(field(opts, 0, 3)))
	p.CommMode = CommMode(field(opts, 3, 2))
	p.SeqNumCap = has(opts, 5)
	p.RxOnCap = has(opts, 6)
	p.FixedLocation = has(opts, 7)
	p.DeviceID = r.Uint8()
	if p.CommMode == CommModePrecommissionedGroup {
		p.Groups = readGroupList(r)
	}
	if has(opts, 8) {
		alias := r.Uint16()
		p.Alias = &alias
	}
	p.GroupcastRadius = r.Uint8()
	switch {
	case has(opts, 9):
		sec := securityOptionsOf(r.Uint8())
		p.Security = &sec
		p.FrameCounter = r.Uint32()
		copy(p.Key[:], r.Bytes(16))
	case p.SeqNumCap:
		p.FrameCounter = r.Uint32()
	}
	p.PairedEndpoints = readPairedEndpoints(r)
	if has(opts, 10) {
		p.AppInfo = readAppInfo(r)
	}
	if p.Action == ActionApplicationDescription && r.Len() > 0 {
		p.ReportDescriptor = r.Rest()
	}
}

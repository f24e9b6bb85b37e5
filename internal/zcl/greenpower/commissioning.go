package greenpower

import "zigbee-zcl/internal/zcl"

// CommissioningPayload is the payload of the GPD Commissioning command
// (0xE0) as carried in a Commissioning Notification.
type CommissioningPayload struct {
	DeviceID      uint8
	SeqNumCap     bool
	RxOnCap       bool
	PANIDRequest  bool
	KeyRequest    bool
	FixedLocation bool
	// Extended options. Ext is set when the GPD sent them.
	Ext            *CommissioningExt
	ManufacturerID *uint16
	ModelID        *uint16
	Commands       []uint8
	Clusters       *ClusterList
	AppDescFollows bool
	appInfoPresent bool
}

// CommissioningExt is the extended options part of the commissioning
// payload.
type CommissioningExt struct {
	SecurityLevel   uint8
	KeyType         uint8
	Key             *[16]byte
	KeyMIC          *uint32 // set when the key is encrypted
	OutgoingCounter *uint32
}

func (c *CommissioningPayload) hasAppInfo() bool {
	return c.appInfoPresent || c.ManufacturerID != nil || c.ModelID != nil ||
		c.Commands != nil || c.Clusters != nil || c.AppDescFollows
}

func (c *CommissioningPayload) Encode(w *zcl.Writer) {
	w.Uint8(c.DeviceID)
	w.Uint8(uint8(bit(c.SeqNumCap, 0) | bit(c.RxOnCap, 1) | bit(c.hasAppInfo(), 2) |
		bit(c.PANIDRequest, 4) | bit(c.KeyRequest, 5) | bit(c.FixedLocation, 6) |
		bit(c.Ext != nil, 7)))
	if x := c.Ext; x != nil {
		w.Uint8(x.SecurityLevel&0x03 | (x.KeyType&0x07)<<2 | uint8(bit(x.Key != nil, 5)|
			bit(x.Key != nil && x.KeyMIC != nil, 6)|bit(x.OutgoingCounter != nil, 7)))
		if x.Key != nil {
			w.Bytes(x.Key[:])
			if x.KeyMIC != nil {
				w.Uint32(*x.KeyMIC)
			}
		}
		if x.OutgoingCounter != nil {
			w.Uint32(*x.OutgoingCounter)
		}
	}
	if !c.hasAppInfo() {
		return
	}
	w.Uint8(uint8(bit(c.ManufacturerID != nil, 0) | bit(c.ModelID != nil, 1) |
		bit(c.Commands != nil, 2) | bit(c.Clusters != nil, 3) | bit(c.AppDescFollows, 5)))
	if c.ManufacturerID != nil {
		w.Uint16(*c.ManufacturerID)
	}
	if c.ModelID != nil {
		w.Uint16(*c.ModelID)
	}
	if c.Commands != nil {
		n := min(len(c.Commands), 0xFF)
		w.Uint8(uint8(n))
		w.Bytes(c.Commands[:n])
	}
	if c.Clusters != nil {
		c.Clusters.encode(w)
	}
}

func (c *CommissioningPayload) Decode(r *zcl.Reader) {
	c.DeviceID = r.Uint8()
	opts := uint32(r.Uint8())
	c.SeqNumCap = has(opts, 0)
	c.RxOnCap = has(opts, 1)
	c.appInfoPresent = has(opts, 2)
	c.PANIDRequest = has(opts, 4)
	c.KeyRequest = has(opts, 5)
	c.FixedLocation = has(opts, 6)
	if has(opts, 7) {
		ext := uint32(r.Uint8())
		x := &CommissioningExt{SecurityLevel: field(ext, 0, 2), KeyType: field(ext, 2, 3)}
		if has(ext, 5) {
			var key [16]byte
			copy(key[:], r.Bytes(16))
			x.Key = &key
			if has(ext, 6) {
				mic := r.Uint32()
				x.KeyMIC = &mic
			}
		}
		if has(ext, 7) {
			fc := r.Uint32()
			x.OutgoingCounter = &fc
		}
		c.Ext = x
	}
	if !c.appInfoPresent {
		return
	}
	info := uint32(r.Uint8())
	c.AppDescFollows = has(info, 5)
	if has(info, 0) {
		id := r.Uint16()
		c.ManufacturerID = &id
	}
	if has(info, 1) {
		id := r.Uint16()
		c.ModelID = &id
	}
	if has(info, 2) {
		c.Commands = r.Bytes(int(r.Uint8()))
	}
	if has(info, 3) {
		cl := readClusterList(r)
		c.Clusters = &cl
	}
}

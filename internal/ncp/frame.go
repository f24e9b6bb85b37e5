package ncp

import "zigbee-zcl/internal/zcl"

// Frame types
const (
	frameDataRequest    uint8 = 0x01
	frameDataIndication uint8 = 0x81
	frameDataConfirm    uint8 = 0x82
)

// APS tx options
const (
	txOptionSecurity uint8 = 0x01
	txOptionAck      uint8 = 0x04
)

// dstModeBroadcast marks an indication received on a broadcast short
// address.
const dstModeBroadcast uint8 = 0x0F

const defaultRadius = 0x1E

// dataRequest is the 0x01 frame. dstAddr is always 8 bytes: short and
// group addresses fill the first two, little-endian.
type dataRequest struct {
	seq   uint8
	frame zcl.OutgoingFrame
}

func (d *dataRequest) Encode(w *zcl.Writer) {
	f := &d.frame
	w.Uint8(frameDataRequest)
	w.Uint8(d.seq)
	w.Uint8(uint8(f.Dst.Mode))
	switch f.Dst.Mode {
	case zcl.AddrModeIEEE:
		w.IEEE(f.Dst.IEEE)
	case zcl.AddrModeGroup:
		w.Uint16(f.Dst.GroupID)
		w.Bytes(make([]byte, 6))
	default:
		w.Uint16(f.Dst.ShortAddr)
		w.Bytes(make([]byte, 6))
	}
	w.Uint8(f.Dst.Endpoint)
	w.Uint8(f.SrcEndpoint)
	w.Uint16(f.ProfileID)
	w.Uint16(f.ClusterID)
	radius := f.Dst.Radius
	if radius == 0 {
		radius = defaultRadius
	}
	w.Uint8(radius)
	var opts uint8
	if f.AckRequested && f.Dst.IsUnicast() {
		opts |= txOptionAck
	}
	w.Uint8(opts)
	w.Uint16(uint16(len(f.Data)))
	w.Bytes(f.Data)
}

func decodeIndication(r *zcl.Reader) (Indication, error) {
	var ind Indication
	f := &ind.Frame
	f.SrcAddr = r.Uint16()
	f.SrcEndpoint = r.Uint8()
	f.DstEndpoint = r.Uint8()
	mode := r.Uint8()
	f.Broadcast = mode == uint8(zcl.AddrModeGroup) || mode == dstModeBroadcast
	f.ProfileID = r.Uint16()
	f.ClusterID = r.Uint16()
	f.SecurityApplied = r.Uint8() != 0
	f.LQI = r.Uint8()
	f.RSSI = int8(r.Uint8())
	ind.ASDU = r.Bytes(int(r.Uint16()))
	return ind, r.Err()
}

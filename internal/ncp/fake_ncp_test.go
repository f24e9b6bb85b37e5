package ncp

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"

	"zigbee-zcl/internal/zcl"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// decodeDataRequest is the co-processor side of dataRequest.Encode.
func decodeDataRequest(b []byte) (uint8, zcl.OutgoingFrame, error) {
	r := zcl.NewReader(b)
	var f zcl.OutgoingFrame
	if t := r.Uint8(); r.Err() == nil && t != frameDataRequest {
		return 0, f, fmt.Errorf("ncp: frame type 0x%02X is not a data request", t)
	}
	seq := r.Uint8()
	f.Dst.Mode = zcl.AddrMode(r.Uint8())
	addr := r.IEEE()
	switch f.Dst.Mode {
	case zcl.AddrModeIEEE:
		f.Dst.IEEE = addr
	case zcl.AddrModeGroup:
		f.Dst.GroupID = uint16(addr[0]) | uint16(addr[1])<<8
	default:
		f.Dst.ShortAddr = uint16(addr[0]) | uint16(addr[1])<<8
	}
	f.Dst.Endpoint = r.Uint8()
	f.SrcEndpoint = r.Uint8()
	f.ProfileID = r.Uint16()
	f.ClusterID = r.Uint16()
	f.Dst.Radius = r.Uint8()
	f.AckRequested = r.Uint8()&txOptionAck != 0
	f.Data = r.Bytes(int(r.Uint16()))
	return seq, f, r.Err()
}

// indication is the 0x81 frame.
type indication struct {
	seq uint8
	ind Indication
}

func (d *indication) Encode(w *zcl.Writer) {
	f := &d.ind.Frame
	w.Uint8(frameDataIndication)
	w.Uint8(d.seq)
	w.Uint16(f.SrcAddr)
	w.Uint8(f.SrcEndpoint)
	w.Uint8(f.DstEndpoint)
	if f.Broadcast {
		w.Uint8(dstModeBroadcast)
	} else {
		w.Uint8(uint8(zcl.AddrModeShort))
	}
	w.Uint16(f.ProfileID)
	w.Uint16(f.ClusterID)
	var sec uint8
	if f.SecurityApplied {
		sec = 1
	}
	w.Uint8(sec)
	w.Uint8(f.LQI)
	w.Uint8(uint8(f.RSSI))
	w.Uint16(uint16(len(d.ind.ASDU)))
	w.Bytes(d.ind.ASDU)
}

// confirm is the 0x82 frame.
type confirm struct {
	seq    uint8
	status uint8
}

func (c confirm) Encode(w *zcl.Writer) {
	w.Uint8(frameDataConfirm)
	w.Uint8(c.seq)
	w.Uint8(c.status)
}

// fakeNCP plays the co-processor end of a pipe.
type fakeNCP struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newLinkPair(t *testing.T) (*Link, *fakeNCP) {
	t.Helper()
	host, dev := net.Pipe()
	l := NewLink(host, testLogger)
	t.Cleanup(func() {
		l.Close()
		dev.Close()
	})
	return l, &fakeNCP{conn: dev, reader: bufio.NewReader(dev)}
}

func (f *fakeNCP) readRequest() (uint8, zcl.OutgoingFrame, error) {
	inner, err := readHDLCFrame(f.reader)
	if err != nil {
		return 0, zcl.OutgoingFrame{}, err
	}
	body, err := hdlcDecode(inner)
	if err != nil {
		return 0, zcl.OutgoingFrame{}, err
	}
	return decodeDataRequest(body)
}

func (f *fakeNCP) write(e zcl.Encoder) error {
	_, err := f.conn.Write(hdlcEncode(zcl.Marshal(e)))
	return err
}

func (f *fakeNCP) writeRaw(b []byte) error {
	_, err := f.conn.Write(b)
	return err
}

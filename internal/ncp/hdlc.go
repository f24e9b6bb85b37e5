package ncp

import (
	"bufio"
	"fmt"
)

const (
	hdlcFlag    = 0x7E
	hdlcEscape  = 0x7D
	hdlcXOR     = 0x20
	hdlcFCSSize = 2
)

// fcs16 is CRC-16/X.25: reflected polynomial 0x8408, initial value and
// final XOR 0xFFFF.
func fcs16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

func hdlcAppendEscaped(out []byte, b byte) []byte {
	if b == hdlcFlag || b == hdlcEscape {
		return append(out, hdlcEscape, b^hdlcXOR)
	}
	return append(out, b)
}

// hdlcEncode appends the FCS (low byte first), escapes and wraps data in
// flags.
func hdlcEncode(data []byte) []byte {
	fcs := fcs16(data)
	out := make([]byte, 0, len(data)+2*hdlcFCSSize+2)
	out = append(out, hdlcFlag)
	for _, b := range data {
		out = hdlcAppendEscaped(out, b)
	}
	out = hdlcAppendEscaped(out, byte(fcs))
	out = hdlcAppendEscaped(out, byte(fcs>>8))
	return append(out, hdlcFlag)
}

// hdlcDecode unescapes the bytes between two flags and checks the FCS.
func hdlcDecode(inner []byte) ([]byte, error) {
	out := make([]byte, 0, len(inner))
	for i := 0; i < len(inner); i++ {
		switch b := inner[i]; b {
		case hdlcFlag:
			return nil, fmt.Errorf("hdlc: flag inside frame at %d", i)
		case hdlcEscape:
			i++
			if i == len(inner) {
				return nil, fmt.Errorf("hdlc: dangling escape")
			}
			out = append(out, inner[i]^hdlcXOR)
		default:
			out = append(out, b)
		}
	}
	if len(out) < hdlcFCSSize {
		return nil, fmt.Errorf("hdlc: frame too short: %d bytes", len(out))
	}
	n := len(out) - hdlcFCSSize
	got := uint16(out[n]) | uint16(out[n+1])<<8
	if want := fcs16(out[:n]); got != want {
		return nil, fmt.Errorf("hdlc: FCS mismatch: got 0x%04X, want 0x%04X", got, want)
	}
	return out[:n], nil
}

// readHDLCFrame returns the escaped bytes of the next frame. Bytes before
// the opening flag are discarded, as are empty frames between back to back
// flags.
func readHDLCFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == hdlcFlag {
			break
		}
	}
	for {
		inner, err := r.ReadBytes(hdlcFlag)
		if err != nil {
			return nil, err
		}
		inner = inner[:len(inner)-1]
		if len(inner) > 0 {
			return inner, nil
		}
	}
}

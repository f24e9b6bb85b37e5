package zcl

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// FrameType is bits 0-1 of the frame control field.
type FrameType uint8

const (
	FrameTypeProfile FrameType = 0 // profile-wide (foundation) command
	FrameTypeCluster FrameType = 1 // cluster-specific command
)

// Direction of a frame relative to the cluster server.
type Direction uint8

const (
	ClientToServer Direction = 0
	ServerToClient Direction = 1
)

// Reverse returns the direction of a reply.
func (d Direction) Reverse() Direction {
	if d == ClientToServer {
		return ServerToClient
	}
	return ClientToServer
}

func (d Direction) String() string {
	if d == ClientToServer {
		return "toServer"
	}
	return "toClient"
}

const (
	fcTypeMask        = 0x03
	fcManufSpecific   = 0x04
	fcServerToClient  = 0x08
	fcDisableDefRsp   = 0x10
	minHeaderLen      = 3
	minManufHeaderLen = 5
)

// ErrShortFrame is returned by ParseHeader for frames too short to carry a
// header. Such frames are dropped without a response.
var ErrShortFrame = errors.New("zcl: frame too short")

// Header is the ZCL frame header.
type Header struct {
	FrameType              FrameType
	ManufacturerSpecific   bool
	ManufacturerCode       uint16
	Direction              Direction
	DisableDefaultResponse bool
	Sequence               uint8
	CommandID              uint8
}

// Encode writes the header.
func (h Header) Encode(w *Writer) {
	fc := uint8(h.FrameType) & fcTypeMask
	if h.ManufacturerSpecific {
		fc |= fcManufSpecific
	}
	if h.Direction == ServerToClient {
		fc |= fcServerToClient
	}
	if h.DisableDefaultResponse {
		fc |= fcDisableDefRsp
	}
	w.Uint8(fc)
	if h.ManufacturerSpecific {
		w.Uint16(h.ManufacturerCode)
	}
	w.Uint8(h.Sequence)
	w.Uint8(h.CommandID)
}

// ParseHeader splits a raw ZCL frame into header and payload.
func ParseHeader(b []byte) (Header, []byte, error) {
	var h Header
	if len(b) < minHeaderLen {
		return h, nil, ErrShortFrame
	}
	fc := b[0]
	h.FrameType = FrameType(fc & fcTypeMask)
	h.ManufacturerSpecific = fc&fcManufSpecific != 0
	if fc&fcServerToClient != 0 {
		h.Direction = ServerToClient
	}
	h.DisableDefaultResponse = fc&fcDisableDefRsp != 0
	i := 1
	if h.ManufacturerSpecific {
		if len(b) < minManufHeaderLen {
			return h, nil, ErrShortFrame
		}
		h.ManufacturerCode = uint16(b[1]) | uint16(b[2])<<8
		i = 3
	}
	h.Sequence = b[i]
	h.CommandID = b[i+1]
	return h, b[i+2:], nil
}

// IEEEAddr is a 64-bit extended address in wire (little-endian) byte order.
type IEEEAddr [8]byte

// String formats the address most significant byte first, the way it is
// printed on device labels.
func (a IEEEAddr) String() string {
	var b [8]byte
	for i := range a {
		b[i] = a[7-i]
	}
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// IsZero reports whether the address is all zeros.
func (a IEEEAddr) IsZero() bool { return a == IEEEAddr{} }

// ParseIEEE parses "DD:DD:DD:DD:DD:DD:DD:DD" or "DDDDDDDDDDDDDDDD", most
// significant byte first.
func ParseIEEE(s string) (IEEEAddr, error) {
	var a IEEEAddr
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return a, fmt.Errorf("parse ieee address: %w", err)
	}
	if len(b) != 8 {
		return a, fmt.Errorf("ieee address must be 8 bytes, got %d", len(b))
	}
	for i := range b {
		a[i] = b[7-i]
	}
	return a, nil
}

func (a IEEEAddr) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *IEEEAddr) UnmarshalText(b []byte) error {
	v, err := ParseIEEE(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

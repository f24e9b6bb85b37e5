package greenpower

import (
	"fmt"
	"strconv"
	"strings"

	"zigbee-zcl/internal/zcl"
)

// AppID is the application ID in the low three bits of every GP options
// field. It selects the form of the GPD ID that follows.
type AppID uint8

const (
	AppIDSrcID AppID = 0b000
	AppIDGPD   AppID = 0b010
)

// GPDID identifies a Green Power device. It is either a SrcID or a GPDAddr;
// the variant decides the application ID written on encode.
type GPDID interface {
	AppID() AppID
	String() string
	encode(w *zcl.Writer)
}

// SrcID is the 32-bit source ID of a GPD (application ID 0b000).
type SrcID uint32

func (SrcID) AppID() AppID { return AppIDSrcID }

func (s SrcID) String() string { return fmt.Sprintf("0x%08X", uint32(s)) }

func (s SrcID) encode(w *zcl.Writer) { w.Uint32(uint32(s)) }

// GPDAddr is the IEEE address and endpoint of a GPD (application ID 0b010).
type GPDAddr struct {
	IEEE     zcl.IEEEAddr
	Endpoint uint8
}

func (GPDAddr) AppID() AppID { return AppIDGPD }

func (a GPDAddr) String() string { return fmt.Sprintf("%s/%d", a.IEEE, a.Endpoint) }

func (a GPDAddr) encode(w *zcl.Writer) {
	w.IEEE(a.IEEE)
	w.Uint8(a.Endpoint)
}

// appOf returns the application ID for id. A nil ID encodes as SrcID 0.
func appOf(id GPDID) AppID {
	if id == nil {
		return AppIDSrcID
	}
	return id.AppID()
}

func putGPDID(w *zcl.Writer, id GPDID) {
	if id == nil {
		w.Uint32(0)
		return
	}
	id.encode(w)
}

// readGPDID reads the GPD ID variant selected by app.
func readGPDID(r *zcl.Reader, app AppID) GPDID {
	switch app {
	case AppIDSrcID:
		return SrcID(r.Uint32())
	case AppIDGPD:
		return GPDAddr{IEEE: r.IEEE(), Endpoint: r.Uint8()}
	}
	r.Fail(fmt.Errorf("greenpower: application id %d: %w", app, zcl.StatusInvalidField))
	return nil
}

// ParseGPDID parses the String form of a GPD ID: "0x1234ABCD" for a source
// ID, "<ieee>/<endpoint>" for an IEEE addressed GPD.
func ParseGPDID(s string) (GPDID, error) {
	if ieee, ep, ok := strings.Cut(s, "/"); ok {
		addr, err := zcl.ParseIEEE(ieee)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseUint(ep, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid GPD endpoint %q: %w", ep, err)
		}
		return GPDAddr{IEEE: addr, Endpoint: uint8(n)}, nil
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid GPD source id %q: %w", s, err)
	}
	return SrcID(n), nil
}

// DerivedAlias returns the alias network address (and derived group ID) of
// a GPD: the low 16 bits of its ID, moved out of the reserved 0x0000 and
// 0xFFF8-0xFFFF ranges.
func DerivedAlias(id GPDID) uint16 {
	var a uint16
	switch v := id.(type) {
	case SrcID:
		a = uint16(v)
		if a == 0 || a >= 0xFFF8 {
			a ^= uint16(v >> 16)
		}
	case GPDAddr:
		a = uint16(v.IEEE[0]) | uint16(v.IEEE[1])<<8
	}
	switch {
	case a == 0:
		a = 0x0007
	case a >= 0xFFF8:
		a -= 0x0008
	}
	return a
}

package ota

import (
	"bytes"
	"errors"
	"fmt"

	"zigbee-zcl/internal/zcl"
)

// FileMagic starts every OTA upgrade file.
const FileMagic uint32 = 0x0BEEF11E

// HeaderVersion is the only upgrade file header version produced.
const HeaderVersion uint16 = 0x0100

// Header field control bits
const (
	hdrSecurityCredential uint16 = 0x0001
	hdrDeviceSpecific     uint16 = 0x0002
	hdrHardwareVersions   uint16 = 0x0004
)

const (
	baseHeaderLen   = 56
	headerStringLen = 32
	elementHdrLen   = 6
)

// Sub-element tags
const (
	TagUpgradeImage       uint16 = 0x0000
	TagECDSASignature     uint16 = 0x0001
	TagECDSACertificate   uint16 = 0x0002
	TagImageIntegrityCode uint16 = 0x0003
)

// ErrBadMagic reports data that is not an OTA upgrade file.
var ErrBadMagic = fmt.Errorf("ota: bad file magic: %w", zcl.StatusInvalidImage)

// ErrNoImage is returned by an ImageProvider that has no matching image.
var ErrNoImage = fmt.Errorf("ota: no image: %w", zcl.StatusNoImageAvailable)

// HardwareRange is the inclusive hardware version range an image applies
// to.
type HardwareRange struct {
	Min uint16 `json:"min"`
	Max uint16 `json:"max"`
}

// Contains reports whether hw lies in the range.
func (h HardwareRange) Contains(hw uint16) bool { return hw >= h.Min && hw <= h.Max }

// ImageHeader is the header of an OTA upgrade file.
type ImageHeader struct {
	Manufacturer   uint16 `json:"manufacturer"`
	ImageType      uint16 `json:"image_type"`
	FileVersion    uint32 `json:"file_version"`
	StackVersion   uint16 `json:"stack_version"`
	HeaderString   string `json:"header_string"`
	TotalImageSize uint32 `json:"total_image_size"`

	SecurityCredentialVersion *uint8         `json:"security_credential_version,omitempty"`
	Destination               *zcl.IEEEAddr  `json:"destination,omitempty"`
	Hardware                  *HardwareRange `json:"hardware,omitempty"`
}

// Len returns the encoded header length.
func (h *ImageHeader) Len() int {
	n := baseHeaderLen
	if h.SecurityCredentialVersion != nil {
		n++
	}
	if h.Destination != nil {
		n += 8
	}
	if h.Hardware != nil {
		n += 4
	}
	return n
}

func (h *ImageHeader) fieldControl() uint16 {
	var fc uint16
	if h.SecurityCredentialVersion != nil {
		fc |= hdrSecurityCredential
	}
	if h.Destination != nil {
		fc |= hdrDeviceSpecific
	}
	if h.Hardware != nil {
		fc |= hdrHardwareVersions
	}
	return fc
}

// Descriptor returns the identity and size announced to clients.
func (h *ImageHeader) Descriptor() ImageDescriptor {
	return ImageDescriptor{
		Manufacturer: h.Manufacturer,
		ImageType:    h.ImageType,
		FileVersion:  h.FileVersion,
		Size:         h.TotalImageSize,
	}
}

func (h *ImageHeader) Encode(w *zcl.Writer) {
	w.Uint32(FileMagic)
	w.Uint16(HeaderVersion)
	w.Uint16(uint16(h.Len()))
	w.Uint16(h.fieldControl())
	w.Uint16(h.Manufacturer)
	w.Uint16(h.ImageType)
	w.Uint32(h.FileVersion)
	w.Uint16(h.StackVersion)
	var str [headerStringLen]byte
	copy(str[:], h.HeaderString)
	w.Bytes(str[:])
	w.Uint32(h.TotalImageSize)
	if h.SecurityCredentialVersion != nil {
		w.Uint8(*h.SecurityCredentialVersion)
	}
	if h.Destination != nil {
		w.IEEE(*h.Destination)
	}
	if h.Hardware != nil {
		w.Uint16(h.Hardware.Min)
		w.Uint16(h.Hardware.Max)
	}
}

// ParseImageHeader parses the header at the start of an upgrade file. The
// header length field is honoured, so unknown trailing header fields are
// skipped.
func ParseImageHeader(b []byte) (ImageHeader, error) {
	var h ImageHeader
	r := zcl.NewReader(b)
	if r.Uint32() != FileMagic {
		return h, ErrBadMagic
	}
	r.Uint16() // header version
	hdrLen := int(r.Uint16())
	fc := r.Uint16()
	h.Manufacturer = r.Uint16()
	h.ImageType = r.Uint16()
	h.FileVersion = r.Uint32()
	h.StackVersion = r.Uint16()
	h.HeaderString = string(bytes.TrimRight(r.Bytes(headerStringLen), "\x00"))
	h.TotalImageSize = r.Uint32()
	if fc&hdrSecurityCredential != 0 {
		v := r.Uint8()
		h.SecurityCredentialVersion = &v
	}
	if fc&hdrDeviceSpecific != 0 {
		a := r.IEEE()
		h.Destination = &a
	}
	if fc&hdrHardwareVersions != 0 {
		h.Hardware = &HardwareRange{Min: r.Uint16(), Max: r.Uint16()}
	}
	if err := r.Err(); err != nil {
		return h, fmt.Errorf("ota: parse header: %w", err)
	}
	if hdrLen < r.Offset() || hdrLen > len(b) {
		return h, fmt.Errorf("ota: header length %d: %w", hdrLen, zcl.StatusInvalidImage)
	}
	return h, nil
}

// Element is a tagged sub-element of an upgrade file.
type Element struct {
	Tag  uint16 `json:"tag"`
	Data []byte `json:"-"`
}

func (e *Element) Encode(w *zcl.Writer) {
	w.Uint16(e.Tag)
	w.Uint32(uint32(len(e.Data)))
	w.Bytes(e.Data)
}

type upgradeFile struct {
	header   *ImageHeader
	elements []Element
}

func (f *upgradeFile) Encode(w *zcl.Writer) {
	f.header.Encode(w)
	for i := range f.elements {
		f.elements[i].Encode(w)
	}
}

// BuildImage assembles an upgrade file. TotalImageSize in h is set to the
// resulting length.
func BuildImage(h *ImageHeader, elements ...Element) []byte {
	total := h.Len()
	for _, e := range elements {
		total += elementHdrLen + len(e.Data)
	}
	h.TotalImageSize = uint32(total)
	return zcl.Marshal(&upgradeFile{header: h, elements: elements})
}

// ParseImage parses and validates a complete upgrade file: the header,
// the total size and the sub-element framing.
func ParseImage(b []byte) (ImageHeader, []Element, error) {
	h, err := ParseImageHeader(b)
	if err != nil {
		return h, nil, err
	}
	if int(h.TotalImageSize) != len(b) {
		return h, nil, fmt.Errorf("ota: image is %d bytes, header says %d: %w",
			len(b), h.TotalImageSize, zcl.StatusInvalidImage)
	}
	hdrLen := int(uint16(b[6]) | uint16(b[7])<<8)
	r := zcl.NewReader(b[hdrLen:])
	var elements []Element
	for r.Len() > 0 {
		var e Element
		e.Tag = r.Uint16()
		n := r.Uint32()
		if uint64(n) > uint64(r.Len()) {
			return h, nil, fmt.Errorf("ota: element 0x%04X length %d overruns file: %w", e.Tag, n, zcl.StatusInvalidImage)
		}
		e.Data = r.Bytes(int(n))
		elements = append(elements, e)
	}
	if err := r.Err(); err != nil {
		return h, nil, errors.Join(fmt.Errorf("ota: element framing: %w", zcl.StatusInvalidImage), err)
	}
	return h, elements, nil
}

// Matches reports whether the image is for manufacturer and imageType,
// either side of each comparison accepting Wildcard.
func (h *ImageHeader) Matches(manufacturer, imageType uint16) bool {
	return idMatch(h.Manufacturer, manufacturer) && idMatch(h.ImageType, imageType)
}

func idMatch(a, b uint16) bool { return a == Wildcard || b == Wildcard || a == b }

func versionMatch(a, b uint32) bool { return a == AnyVersion || b == AnyVersion || a == b }

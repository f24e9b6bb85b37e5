package store

import (
	"fmt"
	"time"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

// SinkRecord is the stored form of a Green Power sink table entry.
type SinkRecord struct {
	GPD             string                      `json:"gpd"`
	CommMode        greenpower.CommMode         `json:"comm_mode"`
	SeqNumCap       bool                        `json:"seq_num_cap"`
	RxOnCap         bool                        `json:"rx_on_cap"`
	FixedLocation   bool                        `json:"fixed_location"`
	DeviceID        uint8                       `json:"device_id"`
	Groups          []greenpower.GroupAlias     `json:"groups,omitempty"`
	Alias           *uint16                     `json:"alias,omitempty"`
	GroupcastRadius uint8                       `json:"groupcast_radius"`
	Security        *greenpower.SecurityOptions `json:"security,omitempty"`
	FrameCounter    uint32                      `json:"frame_counter"`
	// Key is hidden from API output; sinkRecordStorage keeps it on disk.
	Key [16]byte `json:"-"`
}

// NewSinkRecord converts a sink table entry.
func NewSinkRecord(e greenpower.SinkEntry) SinkRecord {
	r := SinkRecord{
		CommMode:        e.CommMode,
		SeqNumCap:       e.SeqNumCap,
		RxOnCap:         e.RxOnCap,
		FixedLocation:   e.FixedLocation,
		DeviceID:        e.DeviceID,
		Groups:          e.Groups,
		Alias:           e.Alias,
		GroupcastRadius: e.GroupcastRadius,
		Security:        e.Security,
		FrameCounter:    e.FrameCounter,
		Key:             e.Key,
	}
	if e.GPD != nil {
		r.GPD = e.GPD.String()
	}
	return r
}

// Entry converts the record back into a sink table entry.
func (r *SinkRecord) Entry() (greenpower.SinkEntry, error) {
	id, err := greenpower.ParseGPDID(r.GPD)
	if err != nil {
		return greenpower.SinkEntry{}, fmt.Errorf("sink record: %w", err)
	}
	return greenpower.SinkEntry{
		GPD:             id,
		CommMode:        r.CommMode,
		SeqNumCap:       r.SeqNumCap,
		RxOnCap:         r.RxOnCap,
		FixedLocation:   r.FixedLocation,
		DeviceID:        r.DeviceID,
		Groups:          r.Groups,
		Alias:           r.Alias,
		GroupcastRadius: r.GroupcastRadius,
		Security:        r.Security,
		FrameCounter:    r.FrameCounter,
		Key:             r.Key,
	}, nil
}

// sinkRecordStorage is the on-disk form, preserving the GPD key.
type sinkRecordStorage struct {
	SinkRecord
	Key []byte `json:"key,omitempty"`
}

// ImageInfo describes a stored OTA upgrade file.
type ImageInfo struct {
	Key string `json:"key"`
	ota.ImageHeader
	AddedAt time.Time `json:"added_at"`
}

// ImageKey returns the storage key of an upgrade file: manufacturer, image
// type and version, plus the destination for device specific files.
func ImageKey(h *ota.ImageHeader) string {
	k := fmt.Sprintf("%04X-%04X-%08X", h.Manufacturer, h.ImageType, h.FileVersion)
	if h.Destination != nil {
		k += "-" + h.Destination.String()
	}
	return k
}

func isDestination(h *ota.ImageHeader, ieee zcl.IEEEAddr) bool {
	return h.Destination != nil && *h.Destination == ieee
}

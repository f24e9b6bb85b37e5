package greenpower

import (
	"fmt"

	"zigbee-zcl/internal/zcl"
)

// Target clusters of the default translations
const (
	clusterOnOff        uint16 = 0x0006
	clusterLevelControl uint16 = 0x0008
	clusterTemperature  uint16 = 0x0402
)

// Level Control move/step modes
const (
	levelUp   uint8 = 0x00
	levelDown uint8 = 0x01
)

const (
	levelRate     uint8  = 0x14
	levelStepSize uint8  = 0x14
	levelStepTime uint16 = 0xFFFF
)

// PayloadMode selects where the ZCL payload of a translation comes from.
type PayloadMode uint8

const (
	PayloadFixed PayloadMode = iota
	// PayloadCopy forwards the GPD payload unchanged.
	PayloadCopy
	// PayloadAttributeReport turns a GPD attribute report (cluster ID then
	// attribute records) into a Report Attributes payload.
	PayloadAttributeReport
)

// payloadLen values of the translation entry format
const (
	transLenCopy   uint8 = 0xFE
	transLenParsed uint8 = 0xFF
)

// Translation maps one GPD command of a device type onto a ZCL command.
type Translation struct {
	DeviceID   uint8       `json:"device_id"`
	GPDCommand uint8       `json:"gpd_command"`
	ClusterID  uint16      `json:"cluster_id"`
	CommandID  uint8       `json:"command_id"`
	Payload    []byte      `json:"payload,omitempty"`
	Mode       PayloadMode `json:"mode"`
	// ProfileWide sends CommandID as a foundation command.
	ProfileWide bool `json:"profile_wide,omitempty"`
}

func levelMove(mode uint8) []byte { return []byte{mode, levelRate} }

func levelStep(mode uint8) []byte {
	return []byte{mode, levelStepSize, byte(levelStepTime & 0xFF), byte(levelStepTime >> 8)}
}

// DefaultTranslations returns the built-in translations for temperature
// sensors, on/off switches and level switches.
func DefaultTranslations() []Translation {
	return []Translation{
		{DeviceID: DeviceTemperatureSensor, GPDCommand: GPDCmdAttributeReport, ClusterID: clusterTemperature,
			CommandID: zcl.FoundationReportAttributes, Mode: PayloadAttributeReport, ProfileWide: true},
		{DeviceID: DeviceTemperatureSensor, GPDCommand: GPDCmdAnySensorReport, ClusterID: clusterTemperature,
			CommandID: zcl.FoundationReportAttributes, Mode: PayloadCopy, ProfileWide: true},

		{DeviceID: DeviceOnOffSwitch, GPDCommand: GPDCmdOff, ClusterID: clusterOnOff, CommandID: 0x00},
		{DeviceID: DeviceOnOffSwitch, GPDCommand: GPDCmdOn, ClusterID: clusterOnOff, CommandID: 0x01},
		{DeviceID: DeviceOnOffSwitch, GPDCommand: GPDCmdToggle, ClusterID: clusterOnOff, CommandID: 0x02},

		{DeviceID: DeviceLevelSwitch, GPDCommand: GPDCmdMoveUp, ClusterID: clusterLevelControl, CommandID: 0x01, Payload: levelMove(levelUp)},
		{DeviceID: DeviceLevelSwitch, GPDCommand: GPDCmdMoveDown, ClusterID: clusterLevelControl, CommandID: 0x01, Payload: levelMove(levelDown)},
		{DeviceID: DeviceLevelSwitch, GPDCommand: GPDCmdStepUp, ClusterID: clusterLevelControl, CommandID: 0x02, Payload: levelStep(levelUp)},
		{DeviceID: DeviceLevelSwitch, GPDCommand: GPDCmdStepDown, ClusterID: clusterLevelControl, CommandID: 0x02, Payload: levelStep(levelDown)},
		{DeviceID: DeviceLevelSwitch, GPDCommand: GPDCmdLevelStop, ClusterID: clusterLevelControl, CommandID: 0x03},
		{DeviceID: DeviceLevelSwitch, GPDCommand: GPDCmdMoveUpWithOnOff, ClusterID: clusterLevelControl, CommandID: 0x05, Payload: levelMove(levelUp)},
		{DeviceID: DeviceLevelSwitch, GPDCommand: GPDCmdMoveDownWithOnOff, ClusterID: clusterLevelControl, CommandID: 0x05, Payload: levelMove(levelDown)},
		{DeviceID: DeviceLevelSwitch, GPDCommand: GPDCmdStepUpWithOnOff, ClusterID: clusterLevelControl, CommandID: 0x06, Payload: levelStep(levelUp)},
		{DeviceID: DeviceLevelSwitch, GPDCommand: GPDCmdStepDownWithOnOff, ClusterID: clusterLevelControl, CommandID: 0x06, Payload: levelStep(levelDown)},
	}
}

// TranslationTable looks up translations by device type and GPD command.
type TranslationTable struct {
	list []Translation
}

// NewTranslationTable creates a table. Later entries for the same device
// and GPD command are ignored.
func NewTranslationTable(list []Translation) *TranslationTable {
	t := &TranslationTable{}
	for _, tr := range list {
		if _, ok := t.Lookup(tr.DeviceID, tr.GPDCommand); ok {
			continue
		}
		t.list = append(t.list, tr)
	}
	return t
}

// Lookup returns the translation of gpdCmd sent by a device of deviceID.
func (t *TranslationTable) Lookup(deviceID, gpdCmd uint8) (Translation, bool) {
	for _, tr := range t.list {
		if tr.DeviceID == deviceID && tr.GPDCommand == gpdCmd {
			return tr, true
		}
	}
	return Translation{}, false
}

// ForDevice returns the translations of a device type in table order.
func (t *TranslationTable) ForDevice(deviceID uint8) []Translation {
	var out []Translation
	for _, tr := range t.list {
		if tr.DeviceID == deviceID {
			out = append(out, tr)
		}
	}
	return out
}

func (t *TranslationTable) Len() int { return len(t.list) }

// Apply builds the ZCL payload of the translated command from the GPD
// payload. PayloadAttributeReport also returns the cluster named in the
// report.
func (tr *Translation) Apply(gpdPayload []byte) (clusterID uint16, payload zcl.Encoder, err error) {
	switch tr.Mode {
	case PayloadCopy:
		return tr.ClusterID, zcl.RawPayload(gpdPayload), nil
	case PayloadAttributeReport:
		r := zcl.NewReader(gpdPayload)
		cluster := r.Uint16()
		records := r.Rest()
		if err := r.Err(); err != nil {
			return 0, nil, fmt.Errorf("gpd attribute report: %w", err)
		}
		return cluster, zcl.RawPayload(records), nil
	}
	return tr.ClusterID, zcl.RawPayload(tr.Payload), nil
}

// TranslationEntry is one row of the translation table as reported in a
// TranslationTableResponse.
type TranslationEntry struct {
	GPD         GPDID
	Translation Translation
	Endpoint    uint8
	ProfileID   uint16
}

func (e *TranslationEntry) Encode(w *zcl.Writer) {
	tr := &e.Translation
	putGPDID(w, e.GPD)
	w.Uint8(tr.GPDCommand)
	w.Uint8(e.Endpoint)
	w.Uint16(e.ProfileID)
	w.Uint16(tr.ClusterID)
	w.Uint8(tr.CommandID)
	switch tr.Mode {
	case PayloadCopy:
		w.Uint8(transLenCopy)
	case PayloadAttributeReport:
		w.Uint8(transLenParsed)
	default:
		n := min(len(tr.Payload), int(transLenCopy)-1)
		w.Uint8(uint8(n))
		w.Bytes(tr.Payload[:n])
	}
}

// DecodeTranslationEntry parses one entry written by Encode for a GPD of
// the given application ID.
func DecodeTranslationEntry(r *zcl.Reader, app AppID) TranslationEntry {
	var e TranslationEntry
	e.GPD = readGPDID(r, app)
	tr := &e.Translation
	tr.GPDCommand = r.Uint8()
	e.Endpoint = r.Uint8()
	e.ProfileID = r.Uint16()
	tr.ClusterID = r.Uint16()
	tr.CommandID = r.Uint8()
	switch n := r.Uint8(); n {
	case transLenCopy:
		tr.Mode = PayloadCopy
	case transLenParsed:
		tr.Mode = PayloadAttributeReport
	default:
		if n > 0 {
			tr.Payload = r.Bytes(int(n))
		}
	}
	return e
}

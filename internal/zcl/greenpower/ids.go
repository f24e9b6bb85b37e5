// Package greenpower implements the Green Power cluster (0x0021): the
// command codecs, the cluster processor and the sink application that
// commissions Green Power devices and translates their frames into ZCL
// commands.
package greenpower

// Client-generated commands (client to server).
const (
	CmdNotification              uint8 = 0x00
	CmdPairingSearch             uint8 = 0x01
	CmdTunnelingStop             uint8 = 0x03
	CmdCommissioningNotification uint8 = 0x04
	CmdSinkCommissioningMode     uint8 = 0x05
	CmdTranslationTableUpdate    uint8 = 0x07
	CmdTranslationTableRequest   uint8 = 0x08
	CmdPairingConfiguration      uint8 = 0x09
	CmdSinkTableRequest          uint8 = 0x0A
	CmdProxyTableResponse        uint8 = 0x0B
)

// Server-generated commands (server to client).
const (
	CmdNotificationResponse     uint8 = 0x00
	CmdPairing                  uint8 = 0x01
	CmdProxyCommissioningMode   uint8 = 0x02
	CmdResponse                 uint8 = 0x06
	CmdTranslationTableResponse uint8 = 0x08
	CmdSinkTableResponse        uint8 = 0x0A
	CmdProxyTableRequest        uint8 = 0x0B
)

// Sink attributes
const (
	AttrMaxSinkTableEntries   uint16 = 0x0000
	AttrSinkTable             uint16 = 0x0001
	AttrCommunicationMode     uint16 = 0x0002
	AttrCommissioningExitMode uint16 = 0x0003
	AttrCommissioningWindow   uint16 = 0x0004
	AttrSecurityLevel         uint16 = 0x0005
)

// Endpoint is the reserved Green Power endpoint.
const Endpoint uint8 = 0xF2

// GPD device IDs
const (
	DeviceSimpleSwitch1State uint8 = 0x00
	DeviceSimpleSwitch2State uint8 = 0x01
	DeviceOnOffSwitch        uint8 = 0x02
	DeviceLevelSwitch        uint8 = 0x03
	DeviceGeneric8Contact    uint8 = 0x07
	DeviceTemperatureSensor  uint8 = 0x30
	DeviceUnspecified        uint8 = 0xFE
)

// GPD command IDs carried inside Notification and Commissioning
// Notification frames.
const (
	GPDCmdOff                    uint8 = 0x20
	GPDCmdOn                     uint8 = 0x21
	GPDCmdToggle                 uint8 = 0x22
	GPDCmdMoveUp                 uint8 = 0x30
	GPDCmdMoveDown               uint8 = 0x31
	GPDCmdStepUp                 uint8 = 0x32
	GPDCmdStepDown               uint8 = 0x33
	GPDCmdLevelStop              uint8 = 0x34
	GPDCmdMoveUpWithOnOff        uint8 = 0x35
	GPDCmdMoveDownWithOnOff      uint8 = 0x36
	GPDCmdStepUpWithOnOff        uint8 = 0x37
	GPDCmdStepDownWithOnOff      uint8 = 0x38
	GPDCmdAttributeReport        uint8 = 0xA0
	GPDCmdZCLTunneling           uint8 = 0xA6
	GPDCmdAnySensorReport        uint8 = 0xAF
	GPDCmdCommissioning          uint8 = 0xE0
	GPDCmdDecommissioning        uint8 = 0xE1
	GPDCmdSuccess                uint8 = 0xE2
	GPDCmdChannelRequest         uint8 = 0xE3
	GPDCmdApplicationDescription uint8 = 0xE4
	GPDCmdCommissioningReply     uint8 = 0xF0
	GPDCmdChannelConfiguration   uint8 = 0xF3
)

// CommMode is the sink communication mode.
type CommMode uint8

const (
	CommModeFullUnicast          CommMode = 0
	CommModeDerivedGroup         CommMode = 1
	CommModePrecommissionedGroup CommMode = 2
	CommModeLightweightUnicast   CommMode = 3
)

func (m CommMode) unicast() bool {
	return m == CommModeFullUnicast || m == CommModeLightweightUnicast
}

func (m CommMode) String() string {
	switch m {
	case CommModeFullUnicast:
		return "unicast"
	case CommModeDerivedGroup:
		return "derived-group"
	case CommModePrecommissionedGroup:
		return "precommissioned-group"
	case CommModeLightweightUnicast:
		return "lightweight-unicast"
	}
	return "unknown"
}

// Commissioning exit mode bits
const (
	ExitOnWindowExpiration   uint8 = 0x01
	ExitOnFirstPairing       uint8 = 0x02
	ExitOnProxyCommissioning uint8 = 0x04
)

// PairingAction is the action sub-field of a Pairing Configuration.
type PairingAction uint8

const (
	ActionNone                   PairingAction = 0
	ActionExtendEntry            PairingAction = 1
	ActionReplaceEntry           PairingAction = 2
	ActionRemovePairing          PairingAction = 3
	ActionRemoveGPD              PairingAction = 4
	ActionApplicationDescription PairingAction = 5
)

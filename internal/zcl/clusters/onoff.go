package clusters

import "zigbee-zcl/internal/zcl"

var OnOff = zcl.ClusterDef{
	ID:   0x0006,
	Name: "On/Off",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "OnOff", Type: zcl.TypeBool, Access: zcl.AccessRead | zcl.AccessReport, Default: false},
		{ID: 0x4000, Name: "GlobalSceneControl", Type: zcl.TypeBool, Access: zcl.AccessRead, Default: true},
		{ID: 0x4001, Name: "OnTime", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint16(0)},
		{ID: 0x4002, Name: "OffWaitTime", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint16(0)},
		{ID: 0x4003, Name: "StartUpOnOff", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint8(0xFF)},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "Off", Direction: zcl.ClientToServer},
		{ID: 0x01, Name: "On", Direction: zcl.ClientToServer},
		{ID: 0x02, Name: "Toggle", Direction: zcl.ClientToServer},
		{ID: 0x40, Name: "OffWithEffect", Direction: zcl.ClientToServer},
		{ID: 0x41, Name: "OnWithRecallGlobalScene", Direction: zcl.ClientToServer},
		{ID: 0x42, Name: "OnWithTimedOff", Direction: zcl.ClientToServer},
	},
}

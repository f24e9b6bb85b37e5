package clusters

import "zigbee-zcl/internal/zcl"

var Identify = zcl.ClusterDef{
	ID:   zcl.ClusterIdentify,
	Name: "Identify",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "IdentifyTime", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint16(0)},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "Identify", Direction: zcl.ClientToServer},
		{ID: 0x01, Name: "IdentifyQuery", Direction: zcl.ClientToServer},
		{ID: 0x40, Name: "TriggerEffect", Direction: zcl.ClientToServer},
		{ID: 0x00, Name: "IdentifyQueryResponse", Direction: zcl.ServerToClient},
	},
}

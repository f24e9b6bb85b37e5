package clusters

import "zigbee-zcl/internal/zcl"

const ClusterGreenPower uint16 = 0x0021

var GreenPower = zcl.ClusterDef{
	ID:   ClusterGreenPower,
	Name: "Green Power",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "MaxSinkTableEntries", Type: zcl.TypeUint8, Access: zcl.AccessRead, Default: uint8(16)},
		{ID: 0x0001, Name: "SinkTable", Type: zcl.TypeOctetStr16, Access: zcl.AccessRead, Default: []byte{}},
		{ID: 0x0002, Name: "CommunicationMode", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint8(0x01)},
		{ID: 0x0003, Name: "CommissioningExitMode", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint8(0x02)},
		{ID: 0x0004, Name: "CommissioningWindow", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint16(180)},
		{ID: 0x0005, Name: "SecurityLevel", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint8(0)},
		{ID: 0x0006, Name: "Functionality", Type: zcl.TypeBitmap24, Access: zcl.AccessRead, Default: uint32(0x0AE7A5)},
		{ID: 0x0007, Name: "ActiveFunctionality", Type: zcl.TypeBitmap24, Access: zcl.AccessRead, Default: uint32(0xFFFFFF)},
		// Proxy side
		{ID: 0x0010, Name: "MaxProxyTableEntries", Type: zcl.TypeUint8, Access: zcl.AccessRead, Default: uint8(0)},
		{ID: 0x0011, Name: "ProxyTable", Type: zcl.TypeOctetStr16, Access: zcl.AccessRead, Default: []byte{}},
		{ID: 0x0012, Name: "NotificationRetryNumber", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint8(2)},
		{ID: 0x0013, Name: "NotificationRetryTimer", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint8(100)},
		{ID: 0x0014, Name: "MaxSearchCounter", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint8(10)},
		{ID: 0x0015, Name: "BlockedGPDID", Type: zcl.TypeOctetStr16, Access: zcl.AccessRead, Default: []byte{}},
		{ID: 0x0016, Name: "ProxyFunctionality", Type: zcl.TypeBitmap24, Access: zcl.AccessRead, Default: uint32(0)},
		{ID: 0x0017, Name: "ProxyActiveFunctionality", Type: zcl.TypeBitmap24, Access: zcl.AccessRead, Default: uint32(0)},
		// Shared
		{ID: 0x0020, Name: "SharedSecurityKeyType", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite, Default: uint8(0)},
		{ID: 0x0021, Name: "SharedSecurityKey", Type: zcl.TypeKey128, Access: zcl.AccessRead | zcl.AccessWrite, Default: make([]byte, 16)},
		{ID: 0x0022, Name: "LinkKey", Type: zcl.TypeKey128, Access: zcl.AccessRead | zcl.AccessWrite,
			Default: []byte("ZigBeeAlliance09")},
		{ID: 0xFFFD, Name: "ClusterRevision", Type: zcl.TypeUint16, Access: zcl.AccessRead, Default: uint16(1)},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "GPNotification", Direction: zcl.ClientToServer},
		{ID: 0x01, Name: "GPPairingSearch", Direction: zcl.ClientToServer},
		{ID: 0x03, Name: "GPTunnelingStop", Direction: zcl.ClientToServer},
		{ID: 0x04, Name: "GPCommissioningNotification", Direction: zcl.ClientToServer},
		{ID: 0x05, Name: "GPSinkCommissioningMode", Direction: zcl.ClientToServer},
		{ID: 0x07, Name: "GPTranslationTableUpdate", Direction: zcl.ClientToServer},
		{ID: 0x08, Name: "GPTranslationTableRequest", Direction: zcl.ClientToServer},
		{ID: 0x09, Name: "GPPairingConfiguration", Direction: zcl.ClientToServer},
		{ID: 0x0A, Name: "GPSinkTableRequest", Direction: zcl.ClientToServer},
		{ID: 0x0B, Name: "GPProxyTableResponse", Direction: zcl.ClientToServer},
		{ID: 0x00, Name: "GPNotificationResponse", Direction: zcl.ServerToClient},
		{ID: 0x01, Name: "GPPairing", Direction: zcl.ServerToClient},
		{ID: 0x02, Name: "GPProxyCommissioningMode", Direction: zcl.ServerToClient},
		{ID: 0x06, Name: "GPResponse", Direction: zcl.ServerToClient},
		{ID: 0x08, Name: "GPTranslationTableResponse", Direction: zcl.ServerToClient},
		{ID: 0x0A, Name: "GPSinkTableResponse", Direction: zcl.ServerToClient},
		{ID: 0x0B, Name: "GPProxyTableRequest", Direction: zcl.ServerToClient},
	},
}

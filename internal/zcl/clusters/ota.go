package clusters

import "zigbee-zcl/internal/zcl"

const ClusterOTAUpgrade uint16 = 0x0019

var OTAUpgrade = zcl.ClusterDef{
	ID:   ClusterOTAUpgrade,
	Name: "OTA Upgrade",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "UpgradeServerID", Type: zcl.TypeEUI64, Access: zcl.AccessRead,
			Default: zcl.IEEEAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{ID: 0x0001, Name: "FileOffset", Type: zcl.TypeUint32, Access: zcl.AccessRead, Default: uint32(0xFFFFFFFF)},
		{ID: 0x0002, Name: "CurrentFileVersion", Type: zcl.TypeUint32, Access: zcl.AccessRead, Default: uint32(0xFFFFFFFF)},
		{ID: 0x0003, Name: "CurrentZigBeeStackVersion", Type: zcl.TypeUint16, Access: zcl.AccessRead, Default: uint16(0x0002)},
		{ID: 0x0004, Name: "DownloadedFileVersion", Type: zcl.TypeUint32, Access: zcl.AccessRead, Default: uint32(0xFFFFFFFF)},
		{ID: 0x0005, Name: "DownloadedZigBeeStackVersion", Type: zcl.TypeUint16, Access: zcl.AccessRead, Default: uint16(0xFFFF)},
		{ID: 0x0006, Name: "ImageUpgradeStatus", Type: zcl.TypeEnum8, Access: zcl.AccessRead, Default: uint8(0)},
		{ID: 0x0007, Name: "ManufacturerID", Type: zcl.TypeUint16, Access: zcl.AccessRead, Default: uint16(0)},
		{ID: 0x0008, Name: "ImageTypeID", Type: zcl.TypeUint16, Access: zcl.AccessRead, Default: uint16(0)},
		{ID: 0x0009, Name: "MinimumBlockPeriod", Type: zcl.TypeUint16, Access: zcl.AccessRead, Default: uint16(0)},
		{ID: 0x000A, Name: "ImageStamp", Type: zcl.TypeUint32, Access: zcl.AccessRead, Default: uint32(0)},
		{ID: 0xFFFD, Name: "ClusterRevision", Type: zcl.TypeUint16, Access: zcl.AccessRead, Default: uint16(1)},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x01, Name: "QueryNextImageRequest", Direction: zcl.ClientToServer},
		{ID: 0x03, Name: "ImageBlockRequest", Direction: zcl.ClientToServer},
		{ID: 0x04, Name: "ImagePageRequest", Direction: zcl.ClientToServer},
		{ID: 0x06, Name: "UpgradeEndRequest", Direction: zcl.ClientToServer},
		{ID: 0x08, Name: "QueryDeviceSpecificFileRequest", Direction: zcl.ClientToServer},
		{ID: 0x00, Name: "ImageNotify", Direction: zcl.ServerToClient},
		{ID: 0x02, Name: "QueryNextImageResponse", Direction: zcl.ServerToClient},
		{ID: 0x05, Name: "ImageBlockResponse", Direction: zcl.ServerToClient},
		{ID: 0x07, Name: "UpgradeEndResponse", Direction: zcl.ServerToClient},
		{ID: 0x09, Name: "QueryDeviceSpecificFileResponse", Direction: zcl.ServerToClient},
	},
}

// Package ota implements the OTA Upgrade cluster (0x0019): the command
// codecs, the upgrade file header, an image server that answers block and
// page requests, and a client that downloads an image through an explicit
// session.
package ota

import "time"

// Client-generated commands (client to server).
const (
	CmdQueryNextImageRequest          uint8 = 0x01
	CmdImageBlockRequest              uint8 = 0x03
	CmdImagePageRequest               uint8 = 0x04
	CmdUpgradeEndRequest              uint8 = 0x06
	CmdQueryDeviceSpecificFileRequest uint8 = 0x08
)

// Server-generated commands (server to client).
const (
	CmdImageNotify                     uint8 = 0x00
	CmdQueryNextImageResponse          uint8 = 0x02
	CmdImageBlockResponse              uint8 = 0x05
	CmdUpgradeEndResponse              uint8 = 0x07
	CmdQueryDeviceSpecificFileResponse uint8 = 0x09
)

// Client attributes
const (
	AttrUpgradeServerID              uint16 = 0x0000
	AttrFileOffset                   uint16 = 0x0001
	AttrCurrentFileVersion           uint16 = 0x0002
	AttrCurrentZigBeeStackVersion    uint16 = 0x0003
	AttrDownloadedFileVersion        uint16 = 0x0004
	AttrDownloadedZigBeeStackVersion uint16 = 0x0005
	AttrImageUpgradeStatus           uint16 = 0x0006
	AttrManufacturerID               uint16 = 0x0007
	AttrImageTypeID                  uint16 = 0x0008
	AttrMinimumBlockPeriod           uint16 = 0x0009

	attrClusterRevision uint16 = 0xFFFD
)

// UpgradeStatus is the ImageUpgradeStatus attribute value.
type UpgradeStatus uint8

const (
	UpgradeNormal             UpgradeStatus = 0x00
	UpgradeDownloadInProgress UpgradeStatus = 0x01
	UpgradeDownloadComplete   UpgradeStatus = 0x02
	UpgradeWaitingToUpgrade   UpgradeStatus = 0x03
	UpgradeCountDown          UpgradeStatus = 0x04
	UpgradeWaitForMore        UpgradeStatus = 0x05
)

// Field control bits
const (
	fcHardwareVersion   uint8 = 0x01 // QueryNextImageRequest
	fcRequestNodeIEEE   uint8 = 0x01 // ImageBlockRequest, ImagePageRequest
	fcBlockRequestDelay uint8 = 0x02 // ImageBlockRequest
)

const (
	// Wildcard matches any manufacturer code or image type.
	Wildcard uint16 = 0xFFFF
	// AnyVersion matches any file version.
	AnyVersion uint32 = 0xFFFFFFFF

	// MaxDataSize is the largest block payload exchanged by default.
	MaxDataSize uint8 = 48

	// MaxBlockRetries is the number of unanswered block requests after
	// which the client aborts the download.
	MaxBlockRetries = 10
	// MaxEndRetries bounds the unanswered Upgrade End Requests.
	MaxEndRetries = 2

	// upgradeNever in UpgradeEndResponse asks the client to wait for a
	// later response.
	upgradeNever uint32 = 0xFFFFFFFF

	blockResponseTimeout = 5 * time.Second
	upgradeRetryInterval = time.Hour
	defaultUpgradeDelay  = 60 * time.Second

	// dataFlushSize is how much downloaded data the client buffers before
	// handing it to the session store.
	dataFlushSize = 1024
)

// ZigBee stack versions of the upgrade file header
const (
	StackZigBee2006 uint16 = 0x0000
	StackZigBee2007 uint16 = 0x0001
	StackZigBeePro  uint16 = 0x0002
	StackZigBeeIP   uint16 = 0x0003
)

// Event types emitted by the server and the client
const (
	EventQuery      = "ota_query"
	EventUpgradeEnd = "ota_upgrade_end"
	EventSession    = "ota_session"
	EventUpgraded   = "ota_upgraded"
)

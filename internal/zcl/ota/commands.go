package ota

import (
	"fmt"

	"zigbee-zcl/internal/zcl"
)

// NotifyPayloadType selects the fields present in an ImageNotify. Each
// type carries the fields of the previous one plus one more.
type NotifyPayloadType uint8

const (
	NotifyJitter NotifyPayloadType = iota
	NotifyManufacturer
	NotifyImageType
	NotifyFileVersion
)

// ImageNotify tells clients that an image is available.
type ImageNotify struct {
	PayloadType  NotifyPayloadType
	QueryJitter  uint8
	Manufacturer uint16
	ImageType    uint16
	FileVersion  uint32
}

func (c *ImageNotify) CommandID() uint8         { return CmdImageNotify }
func (c *ImageNotify) Direction() zcl.Direction { return zcl.ServerToClient }

func (c *ImageNotify) Encode(w *zcl.Writer) {
	w.Uint8(uint8(c.PayloadType))
	w.Uint8(c.QueryJitter)
	if c.PayloadType >= NotifyManufacturer {
		w.Uint16(c.Manufacturer)
	}
	if c.PayloadType >= NotifyImageType {
		w.Uint16(c.ImageType)
	}
	if c.PayloadType >= NotifyFileVersion {
		w.Uint32(c.FileVersion)
	}
}

func (c *ImageNotify) Decode(r *zcl.Reader) {
	c.PayloadType = NotifyPayloadType(r.Uint8())
	if c.PayloadType > NotifyFileVersion {
		r.Fail(fmt.Errorf("ota: image notify payload type %d: %w", c.PayloadType, zcl.StatusInvalidField))
		return
	}
	c.QueryJitter = r.Uint8()
	if c.PayloadType >= NotifyManufacturer {
		c.Manufacturer = r.Uint16()
	}
	if c.PayloadType >= NotifyImageType {
		c.ImageType = r.Uint16()
	}
	if c.PayloadType >= NotifyFileVersion {
		c.FileVersion = r.Uint32()
	}
}

// QueryNextImageRequest asks the server for an image newer than the
// client's current one.
type QueryNextImageRequest struct {
	Manufacturer    uint16
	ImageType       uint16
	FileVersion     uint32
	HardwareVersion *uint16
}

func (c *QueryNextImageRequest) CommandID() uint8         { return CmdQueryNextImageRequest }
func (c *QueryNextImageRequest) Direction() zcl.Direction { return zcl.ClientToServer }

func (c *QueryNextImageRequest) Encode(w *zcl.Writer) {
	var fc uint8
	if c.HardwareVersion != nil {
		fc |= fcHardwareVersion
	}
	w.Uint8(fc)
	w.Uint16(c.Manufacturer)
	w.Uint16(c.ImageType)
	w.Uint32(c.FileVersion)
	if c.HardwareVersion != nil {
		w.Uint16(*c.HardwareVersion)
	}
}

func (c *QueryNextImageRequest) Decode(r *zcl.Reader) {
	fc := r.Uint8()
	c.Manufacturer = r.Uint16()
	c.ImageType = r.Uint16()
	c.FileVersion = r.Uint32()
	if fc&fcHardwareVersion != 0 {
		hw := r.Uint16()
		c.HardwareVersion = &hw
	}
}

// ImageDescriptor identifies an image and its size.
type ImageDescriptor struct {
	Manufacturer uint16 `json:"manufacturer"`
	ImageType    uint16 `json:"image_type"`
	FileVersion  uint32 `json:"file_version"`
	Size         uint32 `json:"size"`
}

func encodeImageResponse(w *zcl.Writer, st zcl.Status, d *ImageDescriptor) {
	w.Uint8(uint8(st))
	if st == zcl.StatusSuccess {
		w.Uint16(d.Manufacturer)
		w.Uint16(d.ImageType)
		w.Uint32(d.FileVersion)
		w.Uint32(d.Size)
	}
}

func decodeImageResponse(r *zcl.Reader, d *ImageDescriptor) zcl.Status {
	st := zcl.Status(r.Uint8())
	if st == zcl.StatusSuccess {
		d.Manufacturer = r.Uint16()
		d.ImageType = r.Uint16()
		d.FileVersion = r.Uint32()
		d.Size = r.Uint32()
	}
	return st
}

// QueryNextImageResponse carries the image descriptor when Status is
// Success.
type QueryNextImageResponse struct {
	Status zcl.Status
	Image  ImageDescriptor
}

func (c *QueryNextImageResponse) CommandID() uint8         { return CmdQueryNextImageResponse }
func (c *QueryNextImageResponse) Direction() zcl.Direction { return zcl.ServerToClient }
func (c *QueryNextImageResponse) Encode(w *zcl.Writer)     { encodeImageResponse(w, c.Status, &c.Image) }
func (c *QueryNextImageResponse) Decode(r *zcl.Reader)     { c.Status = decodeImageResponse(r, &c.Image) }

// ImageBlockRequest asks for MaxDataSize bytes of the image at Offset.
type ImageBlockRequest struct {
	Manufacturer      uint16
	ImageType         uint16
	FileVersion       uint32
	Offset            uint32
	MaxDataSize       uint8
	RequestNode       *zcl.IEEEAddr
	BlockRequestDelay *uint16 // milliseconds
}

func (c *ImageBlockRequest) CommandID() uint8         { return CmdImageBlockRequest }
func (c *ImageBlockRequest) Direction() zcl.Direction { return zcl.ClientToServer }

func (c *ImageBlockRequest) Encode(w *zcl.Writer) {
	var fc uint8
	if c.RequestNode != nil {
		fc |= fcRequestNodeIEEE
	}
	if c.BlockRequestDelay != nil {
		fc |= fcBlockRequestDelay
	}
	w.Uint8(fc)
	w.Uint16(c.Manufacturer)
	w.Uint16(c.ImageType)
	w.Uint32(c.FileVersion)
	w.Uint32(c.Offset)
	w.Uint8(c.MaxDataSize)
	if c.RequestNode != nil {
		w.IEEE(*c.RequestNode)
	}
	if c.BlockRequestDelay != nil {
		w.Uint16(*c.BlockRequestDelay)
	}
}

func (c *ImageBlockRequest) Decode(r *zcl.Reader) {
	fc := r.Uint8()
	c.Manufacturer = r.Uint16()
	c.ImageType = r.Uint16()
	c.FileVersion = r.Uint32()
	c.Offset = r.Uint32()
	c.MaxDataSize = r.Uint8()
	if fc&fcRequestNodeIEEE != 0 {
		a := r.IEEE()
		c.RequestNode = &a
	}
	if fc&fcBlockRequestDelay != 0 {
		d := r.Uint16()
		c.BlockRequestDelay = &d
	}
}

// ImagePageRequest asks for PageSize bytes sent as a burst of block
// responses ResponseSpacing milliseconds apart.
type ImagePageRequest struct {
	Manufacturer    uint16
	ImageType       uint16
	FileVersion     uint32
	Offset          uint32
	MaxDataSize     uint8
	PageSize        uint16
	ResponseSpacing uint16
	RequestNode     *zcl.IEEEAddr
}

func (c *ImagePageRequest) CommandID() uint8         { return CmdImagePageRequest }
func (c *ImagePageRequest) Direction() zcl.Direction { return zcl.ClientToServer }

func (c *ImagePageRequest) Encode(w *zcl.Writer) {
	var fc uint8
	if c.RequestNode != nil {
		fc |= fcRequestNodeIEEE
	}
	w.Uint8(fc)
	w.Uint16(c.Manufacturer)
	w.Uint16(c.ImageType)
	w.Uint32(c.FileVersion)
	w.Uint32(c.Offset)
	w.Uint8(c.MaxDataSize)
	w.Uint16(c.PageSize)
	w.Uint16(c.ResponseSpacing)
	if c.RequestNode != nil {
		w.IEEE(*c.RequestNode)
	}
}

func (c *ImagePageRequest) Decode(r *zcl.Reader) {
	fc := r.Uint8()
	c.Manufacturer = r.Uint16()
	c.ImageType = r.Uint16()
	c.FileVersion = r.Uint32()
	c.Offset = r.Uint32()
	c.MaxDataSize = r.Uint8()
	c.PageSize = r.Uint16()
	c.ResponseSpacing = r.Uint16()
	if fc&fcRequestNodeIEEE != 0 {
		a := r.IEEE()
		c.RequestNode = &a
	}
}

// ImageBlockResponse is one of *BlockData, *BlockWait or *BlockStatus,
// selected by the leading status byte.
type ImageBlockResponse interface {
	Command
	ResponseStatus() zcl.Status
}

// BlockData is a successful block response.
type BlockData struct {
	Manufacturer uint16
	ImageType    uint16
	FileVersion  uint32
	Offset       uint32
	Data         []byte
}

func (c *BlockData) CommandID() uint8           { return CmdImageBlockResponse }
func (c *BlockData) Direction() zcl.Direction   { return zcl.ServerToClient }
func (c *BlockData) ResponseStatus() zcl.Status { return zcl.StatusSuccess }

func (c *BlockData) Encode(w *zcl.Writer) {
	data := c.Data
	if len(data) > 0xFF {
		data = data[:0xFF]
	}
	w.Uint8(uint8(zcl.StatusSuccess))
	w.Uint16(c.Manufacturer)
	w.Uint16(c.ImageType)
	w.Uint32(c.FileVersion)
	w.Uint32(c.Offset)
	w.Uint8(uint8(len(data)))
	w.Bytes(data)
}

func (c *BlockData) Decode(r *zcl.Reader) {
	r.Uint8()
	c.Manufacturer = r.Uint16()
	c.ImageType = r.Uint16()
	c.FileVersion = r.Uint32()
	c.Offset = r.Uint32()
	c.Data = r.Bytes(int(r.Uint8()))
}

// BlockWait tells the client to retry the request later. When
// RequestTime equals CurrentTime the client retries at once and spaces
// further requests by BlockRequestDelay milliseconds.
type BlockWait struct {
	CurrentTime       uint32
	RequestTime       uint32
	BlockRequestDelay uint16
}

func (c *BlockWait) CommandID() uint8           { return CmdImageBlockResponse }
func (c *BlockWait) Direction() zcl.Direction   { return zcl.ServerToClient }
func (c *BlockWait) ResponseStatus() zcl.Status { return zcl.StatusWaitForData }

func (c *BlockWait) Encode(w *zcl.Writer) {
	w.Uint8(uint8(zcl.StatusWaitForData))
	w.Uint32(c.CurrentTime)
	w.Uint32(c.RequestTime)
	w.Uint16(c.BlockRequestDelay)
}

func (c *BlockWait) Decode(r *zcl.Reader) {
	r.Uint8()
	c.CurrentTime = r.Uint32()
	c.RequestTime = r.Uint32()
	c.BlockRequestDelay = r.Uint16()
}

// BlockStatus is a block response carrying only a status, such as Abort
// or NoImageAvailable.
type BlockStatus struct {
	Status zcl.Status
}

func (c *BlockStatus) CommandID() uint8           { return CmdImageBlockResponse }
func (c *BlockStatus) Direction() zcl.Direction   { return zcl.ServerToClient }
func (c *BlockStatus) ResponseStatus() zcl.Status { return c.Status }
func (c *BlockStatus) Encode(w *zcl.Writer)       { w.Uint8(uint8(c.Status)) }
func (c *BlockStatus) Decode(r *zcl.Reader)       { c.Status = zcl.Status(r.Uint8()) }

// DecodeImageBlockResponse picks the block response variant from the
// status byte and decodes it.
func DecodeImageBlockResponse(payload []byte) (ImageBlockResponse, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("ota: empty image block response: %w", zcl.StatusMalformedCommand)
	}
	var rsp ImageBlockResponse
	switch zcl.Status(payload[0]) {
	case zcl.StatusSuccess:
		rsp = &BlockData{}
	case zcl.StatusWaitForData:
		rsp = &BlockWait{}
	default:
		rsp = &BlockStatus{}
	}
	if err := zcl.Unmarshal(payload, rsp); err != nil {
		return nil, err
	}
	return rsp, nil
}

// UpgradeEndRequest reports the outcome of a download. The image fields
// are always sent; a decoder only requires them after Success.
type UpgradeEndRequest struct {
	Status       zcl.Status
	Manufacturer uint16
	ImageType    uint16
	FileVersion  uint32
}

func (c *UpgradeEndRequest) CommandID() uint8         { return CmdUpgradeEndRequest }
func (c *UpgradeEndRequest) Direction() zcl.Direction { return zcl.ClientToServer }

func (c *UpgradeEndRequest) Encode(w *zcl.Writer) {
	w.Uint8(uint8(c.Status))
	w.Uint16(c.Manufacturer)
	w.Uint16(c.ImageType)
	w.Uint32(c.FileVersion)
}

func (c *UpgradeEndRequest) Decode(r *zcl.Reader) {
	c.Status = zcl.Status(r.Uint8())
	if c.Status != zcl.StatusSuccess && r.Len() < 8 {
		return
	}
	c.Manufacturer = r.Uint16()
	c.ImageType = r.Uint16()
	c.FileVersion = r.Uint32()
}

// UpgradeEndResponse tells the client when to switch to the new image.
// The delay is UpgradeTime minus CurrentTime seconds; an UpgradeTime of
// 0xFFFFFFFF means wait for a later response.
type UpgradeEndResponse struct {
	Manufacturer uint16
	ImageType    uint16
	FileVersion  uint32
	CurrentTime  uint32
	UpgradeTime  uint32
}

func (c *UpgradeEndResponse) CommandID() uint8         { return CmdUpgradeEndResponse }
func (c *UpgradeEndResponse) Direction() zcl.Direction { return zcl.ServerToClient }

func (c *UpgradeEndResponse) Encode(w *zcl.Writer) {
	w.Uint16(c.Manufacturer)
	w.Uint16(c.ImageType)
	w.Uint32(c.FileVersion)
	w.Uint32(c.CurrentTime)
	w.Uint32(c.UpgradeTime)
}

func (c *UpgradeEndResponse) Decode(r *zcl.Reader) {
	c.Manufacturer = r.Uint16()
	c.ImageType = r.Uint16()
	c.FileVersion = r.Uint32()
	c.CurrentTime = r.Uint32()
	c.UpgradeTime = r.Uint32()
}

// QueryDeviceSpecificFileRequest asks for a file addressed to one device,
// such as a security credential or a log.
type QueryDeviceSpecificFileRequest struct {
	RequestNode  zcl.IEEEAddr
	Manufacturer uint16
	ImageType    uint16
	FileVersion  uint32
	StackVersion uint16
}

func (c *QueryDeviceSpecificFileRequest) CommandID() uint8 {
	return CmdQueryDeviceSpecificFileRequest
}

func (c *QueryDeviceSpecificFileRequest) Direction() zcl.Direction { return zcl.ClientToServer }

func (c *QueryDeviceSpecificFileRequest) Encode(w *zcl.Writer) {
	w.IEEE(c.RequestNode)
	w.Uint16(c.Manufacturer)
	w.Uint16(c.ImageType)
	w.Uint32(c.FileVersion)
	w.Uint16(c.StackVersion)
}

func (c *QueryDeviceSpecificFileRequest) Decode(r *zcl.Reader) {
	c.RequestNode = r.IEEE()
	c.Manufacturer = r.Uint16()
	c.ImageType = r.Uint16()
	c.FileVersion = r.Uint32()
	c.StackVersion = r.Uint16()
}

// QueryDeviceSpecificFileResponse has the layout of
// QueryNextImageResponse.
type QueryDeviceSpecificFileResponse struct {
	Status zcl.Status
	Image  ImageDescriptor
}

func (c *QueryDeviceSpecificFileResponse) CommandID() uint8 {
	return CmdQueryDeviceSpecificFileResponse
}

func (c *QueryDeviceSpecificFileResponse) Direction() zcl.Direction { return zcl.ServerToClient }

func (c *QueryDeviceSpecificFileResponse) Encode(w *zcl.Writer) {
	encodeImageResponse(w, c.Status, &c.Image)
}

func (c *QueryDeviceSpecificFileResponse) Decode(r *zcl.Reader) {
	c.Status = decodeImageResponse(r, &c.Image)
}

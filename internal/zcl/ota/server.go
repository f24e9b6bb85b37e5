package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/clusters"
)

// DefaultEndpoint hosts the OTA Upgrade cluster when none is configured.
const DefaultEndpoint uint8 = 0x01

// ServerConfig configures a Server.
type ServerConfig struct {
	Endpoint uint8
	Images   ImageProvider
	// MaxDataSize caps the data of one block response. Default 48.
	MaxDataSize uint8
	// MinBlockPeriod is the smallest block request delay accepted from
	// clients, in milliseconds.
	MinBlockPeriod uint16
	// UpgradeDelay is sent as the upgrade time of Upgrade End Responses.
	UpgradeDelay time.Duration
	Emit         func(eventType string, data map[string]any)
	Logger       *slog.Logger
}

// Server answers image queries and serves upgrade files block by block.
type Server struct {
	stack  *zcl.Stack
	cfg    ServerConfig
	logger *slog.Logger
}

func NewServer(stack *zcl.Stack, cfg ServerConfig) *Server {
	if cfg.Endpoint == 0 {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxDataSize == 0 {
		cfg.MaxDataSize = MaxDataSize
	}
	if cfg.UpgradeDelay <= 0 {
		cfg.UpgradeDelay = defaultUpgradeDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = stack.Logger()
	}
	return &Server{
		stack:  stack,
		cfg:    cfg,
		logger: logger.With("component", "ota-server"),
	}
}

func (s *Server) emit(eventType string, data map[string]any) {
	if s.cfg.Emit != nil {
		s.cfg.Emit(eventType, data)
	}
}

// Handle is the server-side OTA callback.
func (s *Server) Handle(req *zcl.Request, cmd Command) zcl.Status {
	switch c := cmd.(type) {
	case *QueryNextImageRequest:
		return s.onQueryNextImage(req, c)
	case *ImageBlockRequest:
		return s.onBlockRequest(req, c)
	case *ImagePageRequest:
		return s.onPageRequest(req, c)
	case *UpgradeEndRequest:
		return s.onUpgradeEnd(req, c)
	case *QueryDeviceSpecificFileRequest:
		return s.onDeviceFile(req, c)
	}
	return zcl.StatusUnsupClusterCommand
}

func (s *Server) findImage(manufacturer, imageType uint16) (ImageHeader, bool) {
	if s.cfg.Images == nil {
		return ImageHeader{}, false
	}
	h, err := s.cfg.Images.FindImage(manufacturer, imageType)
	if err != nil {
		if !errors.Is(err, ErrNoImage) {
			s.logger.Warn("image lookup", "err", err)
		}
		return ImageHeader{}, false
	}
	return h, true
}

func (s *Server) onQueryNextImage(req *zcl.Request, c *QueryNextImageRequest) zcl.Status {
	rsp := &QueryNextImageResponse{Status: zcl.StatusNoImageAvailable}
	h, ok := s.findImage(c.Manufacturer, c.ImageType)
	switch {
	case !ok:
	case h.FileVersion == c.FileVersion:
	case c.HardwareVersion != nil && h.Hardware != nil && !h.Hardware.Contains(*c.HardwareVersion):
		s.logger.Debug("image excludes hardware version", "hw", *c.HardwareVersion)
	default:
		rsp.Status = zcl.StatusSuccess
		rsp.Image = h.Descriptor()
	}
	s.logger.Info("query next image", "src", fmt.Sprintf("0x%04X", req.Frame.SrcAddr),
		"manufacturer", fmt.Sprintf("0x%04X", c.Manufacturer), "image_type", fmt.Sprintf("0x%04X", c.ImageType),
		"version", fmt.Sprintf("0x%08X", c.FileVersion), "status", rsp.Status)
	s.emit(EventQuery, map[string]any{
		"src":          req.Frame.SrcAddr,
		"manufacturer": c.Manufacturer,
		"image_type":   c.ImageType,
		"file_version": c.FileVersion,
		"status":       rsp.Status.String(),
		"new_version":  rsp.Image.FileVersion,
	})
	return req.Reply(CmdQueryNextImageResponse, rsp)
}

// lookupFile finds the file a block or page request refers to. A device
// specific file for the requesting node takes precedence.
func (s *Server) lookupFile(req *zcl.Request, manufacturer, imageType uint16, version uint32, node *zcl.IEEEAddr) (ImageHeader, bool) {
	if s.cfg.Images == nil {
		return ImageHeader{}, false
	}
	if node == nil && !req.Frame.SrcIEEE.IsZero() {
		node = &req.Frame.SrcIEEE
	}
	if node != nil {
		h, err := s.cfg.Images.FindDeviceFile(*node, manufacturer, imageType)
		if err == nil && h.FileVersion == version {
			return h, true
		}
	}
	h, ok := s.findImage(manufacturer, imageType)
	if !ok || h.FileVersion != version {
		return ImageHeader{}, false
	}
	return h, true
}

func (s *Server) wait() *BlockWait {
	return &BlockWait{BlockRequestDelay: s.cfg.MinBlockPeriod}
}

func (s *Server) onBlockRequest(req *zcl.Request, c *ImageBlockRequest) zcl.Status {
	h, ok := s.lookupFile(req, c.Manufacturer, c.ImageType, c.FileVersion, c.RequestNode)
	if !ok {
		return req.Reply(CmdImageBlockResponse, &BlockStatus{Status: zcl.StatusNoImageAvailable})
	}
	if c.BlockRequestDelay != nil && *c.BlockRequestDelay < s.cfg.MinBlockPeriod {
		return req.Reply(CmdImageBlockResponse, s.wait())
	}
	if c.Offset >= h.TotalImageSize {
		return zcl.StatusMalformedCommand
	}
	return s.sendBlock(req, h, c.Offset, min(c.MaxDataSize, s.cfg.MaxDataSize))
}

// sendBlock replies with up to size bytes at offset. A block that does
// not fit the buffer pool is answered with WaitForData instead.
func (s *Server) sendBlock(req *zcl.Request, h ImageHeader, offset uint32, size uint8) zcl.Status {
	data, err := s.cfg.Images.ReadImage(h, offset, int(size))
	if err != nil {
		s.logger.Warn("read image", "offset", offset, "err", err)
		return req.Reply(CmdImageBlockResponse, &BlockStatus{Status: zcl.StatusNoImageAvailable})
	}
	st := req.Reply(CmdImageBlockResponse, &BlockData{
		Manufacturer: h.Manufacturer,
		ImageType:    h.ImageType,
		FileVersion:  h.FileVersion,
		Offset:       offset,
		Data:         data,
	})
	if st == zcl.StatusInsufficientSpace {
		s.logger.Debug("no buffer for block, client asked to wait", "offset", offset)
		st = req.Reply(CmdImageBlockResponse, s.wait())
	}
	return st
}

func (s *Server) onPageRequest(req *zcl.Request, c *ImagePageRequest) zcl.Status {
	h, ok := s.lookupFile(req, c.Manufacturer, c.ImageType, c.FileVersion, c.RequestNode)
	if !ok {
		return req.Reply(CmdImageBlockResponse, &BlockStatus{Status: zcl.StatusNoImageAvailable})
	}
	blockSize := uint32(min(c.MaxDataSize, s.cfg.MaxDataSize))
	if c.Offset >= h.TotalImageSize || blockSize == 0 {
		return zcl.StatusMalformedCommand
	}
	end := min(uint64(c.Offset)+uint64(c.PageSize), uint64(h.TotalImageSize))
	spacing := time.Duration(c.ResponseSpacing) * time.Millisecond
	sched := s.stack.Scheduler()

	frame := *req.Frame
	later := &zcl.Request{Ctx: context.Background(), Frame: &frame, Registration: req.Registration, Stack: req.Stack}
	first := zcl.StatusCmdHasResponse
	for i, off := 0, c.Offset; uint64(off) < end; i, off = i+1, off+blockSize {
		size := uint8(min(uint64(blockSize), end-uint64(off)))
		if i == 0 {
			first = s.sendBlock(req, h, off, size)
			continue
		}
		if sched == nil {
			s.sendBlock(req, h, off, size)
			continue
		}
		sched.Schedule(spacing*time.Duration(i), func() {
			s.sendBlock(later, h, off, size)
		})
	}
	return first
}

func (s *Server) onUpgradeEnd(req *zcl.Request, c *UpgradeEndRequest) zcl.Status {
	s.logger.Info("upgrade end", "src", fmt.Sprintf("0x%04X", req.Frame.SrcAddr), "status", c.Status,
		"version", fmt.Sprintf("0x%08X", c.FileVersion))
	s.emit(EventUpgradeEnd, map[string]any{
		"src":          req.Frame.SrcAddr,
		"status":       c.Status.String(),
		"manufacturer": c.Manufacturer,
		"image_type":   c.ImageType,
		"file_version": c.FileVersion,
	})
	if c.Status != zcl.StatusSuccess {
		return zcl.StatusSuccess
	}
	return req.Reply(CmdUpgradeEndResponse, &UpgradeEndResponse{
		Manufacturer: c.Manufacturer,
		ImageType:    c.ImageType,
		FileVersion:  c.FileVersion,
		UpgradeTime:  uint32(s.cfg.UpgradeDelay / time.Second),
	})
}

func (s *Server) onDeviceFile(req *zcl.Request, c *QueryDeviceSpecificFileRequest) zcl.Status {
	rsp := &QueryDeviceSpecificFileResponse{Status: zcl.StatusNoImageAvailable}
	if s.cfg.Images != nil {
		h, err := s.cfg.Images.FindDeviceFile(c.RequestNode, c.Manufacturer, c.ImageType)
		switch {
		case err == nil:
			rsp.Status = zcl.StatusSuccess
			rsp.Image = h.Descriptor()
		case !errors.Is(err, ErrNoImage):
			s.logger.Warn("device file lookup", "ieee", c.RequestNode, "err", err)
		}
	}
	return req.Reply(CmdQueryDeviceSpecificFileResponse, rsp)
}

// Notify sends an Image Notify for the newest stored image. Fields beyond
// the query jitter are included according to payloadType.
func (s *Server) Notify(ctx context.Context, dst zcl.Destination, payloadType NotifyPayloadType, jitter uint8) error {
	n := &ImageNotify{PayloadType: payloadType, QueryJitter: jitter}
	if payloadType >= NotifyManufacturer {
		h, ok := s.findImage(Wildcard, Wildcard)
		if !ok {
			return fmt.Errorf("image notify: %w", ErrNoImage)
		}
		n.Manufacturer, n.ImageType, n.FileVersion = h.Manufacturer, h.ImageType, h.FileVersion
	}
	return s.NotifyImage(ctx, dst, n)
}

// NotifyImage sends n to dst. Unicast notifies always use a jitter of
// 100 so the client queries at once.
func (s *Server) NotifyImage(ctx context.Context, dst zcl.Destination, n *ImageNotify) error {
	if n.PayloadType > NotifyFileVersion {
		return fmt.Errorf("image notify payload type %d: %w", n.PayloadType, zcl.StatusInvalidField)
	}
	n.QueryJitter = min(n.QueryJitter, 100)
	if dst.IsUnicast() {
		n.QueryJitter = 100
	}
	cmd := s.stack.ClusterCommand(dst, s.cfg.Endpoint, clusters.ClusterOTAUpgrade, zcl.ServerToClient, CmdImageNotify, n)
	if st := s.stack.Send(ctx, cmd); st != zcl.StatusSuccess {
		return fmt.Errorf("image notify: %w", st)
	}
	s.logger.Info("image notify sent", "payload_type", n.PayloadType, "jitter", n.QueryJitter)
	return nil
}

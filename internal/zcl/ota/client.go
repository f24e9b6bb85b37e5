package ota

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/clusters"
)

// ClientConfig describes the running firmware and the download limits.
type ClientConfig struct {
	Endpoint        uint8
	Manufacturer    uint16
	ImageType       uint16
	FileVersion     uint32
	StackVersion    uint16
	HardwareVersion *uint16
	// MaxDataSize is requested per block. Default 48.
	MaxDataSize uint8
	// MaxImageSize rejects larger images with InsufficientSpace. Zero
	// means no limit.
	MaxImageSize uint32
	Sessions     SessionStore
	// OnUpgrade receives the verified file when the upgrade time arrives.
	// An error aborts the session.
	OnUpgrade func(h ImageHeader, file []byte) error
	// Jitter returns a value in [0, 100) compared with the query jitter of
	// broadcast notifies.
	Jitter func() int
	Emit   func(eventType string, data map[string]any)
	Logger *slog.Logger
}

// Client downloads upgrade images from an OTA server.
type Client struct {
	stack  *zcl.Stack
	cfg    ClientConfig
	logger *slog.Logger

	mu      sync.Mutex
	sess    Session
	resume  *Session
	flushed uint32 // session data handed to the store
	version uint32
	gen     uint64
}

// NewClient creates a client and loads a saved session for resumption.
func NewClient(stack *zcl.Stack, cfg ClientConfig) *Client {
	if cfg.Endpoint == 0 {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxDataSize == 0 {
		cfg.MaxDataSize = MaxDataSize
	}
	if cfg.Jitter == nil {
		cfg.Jitter = func() int { return rand.IntN(100) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = stack.Logger()
	}
	c := &Client{
		stack:   stack,
		cfg:     cfg,
		logger:  logger.With("component", "ota-client"),
		version: cfg.FileVersion,
	}
	if cfg.Sessions != nil {
		saved, err := cfg.Sessions.LoadSession()
		switch {
		case err != nil:
			c.logger.Warn("load ota session", "err", err)
		case saved != nil && saved.resumable(saved.Image):
			c.resume = saved
			c.logger.Info("ota session saved", "version", fmt.Sprintf("0x%08X", saved.Image.FileVersion),
				"offset", saved.Offset, "size", saved.Image.Size)
		}
	}
	return c
}

func (c *Client) attributeDefaults() map[uint16]any {
	return map[uint16]any{
		AttrCurrentFileVersion:        c.cfg.FileVersion,
		AttrCurrentZigBeeStackVersion: c.cfg.StackVersion,
		AttrManufacturerID:            c.cfg.Manufacturer,
		AttrImageTypeID:               c.cfg.ImageType,
	}
}

// Session returns a copy of the current session without its data.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sess
	s.Data = nil
	return s
}

// FileVersion returns the version of the running image.
func (c *Client) FileVersion() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Client) setAttr(attrID uint16, v any) {
	if err := c.stack.Attributes().Set(c.cfg.Endpoint, clusters.ClusterOTAUpgrade, attrID, v); err != nil {
		c.logger.Debug("ota attribute not updated", "attr", fmt.Sprintf("0x%04X", attrID), "err", err)
	}
}

func (c *Client) emitSession() {
	if c.cfg.Emit == nil {
		return
	}
	c.cfg.Emit(EventSession, map[string]any{
		"phase":        c.sess.Phase.String(),
		"manufacturer": c.sess.Image.Manufacturer,
		"image_type":   c.sess.Image.ImageType,
		"file_version": c.sess.Image.FileVersion,
		"offset":       c.sess.Offset,
		"size":         c.sess.Image.Size,
		"progress":     c.sess.Progress(),
	})
}

func (c *Client) save() {
	if c.cfg.Sessions == nil {
		return
	}
	s := c.sess
	if err := c.cfg.Sessions.SaveSession(&s); err != nil {
		c.logger.Warn("save ota session", "err", err)
	}
}

// flush hands buffered session data to the store once dataFlushSize bytes
// are pending, or whatever is pending when force is set.
func (c *Client) flush(force bool) {
	pending := c.sess.Offset - c.flushed
	if c.cfg.Sessions == nil || pending == 0 || (!force && pending < dataFlushSize) {
		return
	}
	if err := c.cfg.Sessions.AppendData(c.flushed, c.sess.Data[c.flushed:c.sess.Offset]); err != nil {
		c.logger.Warn("save ota data", "offset", c.flushed, "err", err)
		return
	}
	c.flushed = c.sess.Offset
}

func (c *Client) clearSaved() {
	if c.cfg.Sessions == nil {
		return
	}
	if err := c.cfg.Sessions.ClearSession(); err != nil {
		c.logger.Warn("clear ota session", "err", err)
	}
}

// arm schedules fn after delay. Any later call to arm, or a session
// reset, makes the timer stale.
func (c *Client) arm(delay time.Duration, fn func(ctx context.Context)) {
	c.gen++
	gen := c.gen
	sched := c.stack.Scheduler()
	if sched == nil {
		return
	}
	sched.Schedule(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		fn(context.Background())
	})
}

func (c *Client) send(ctx context.Context, cmd Command) zcl.Status {
	zc := c.stack.ClusterCommand(c.sess.Server, c.cfg.Endpoint, clusters.ClusterOTAUpgrade, zcl.ClientToServer, cmd.CommandID(), cmd)
	st := c.stack.Send(ctx, zc)
	if st != zcl.StatusSuccess {
		c.logger.Warn("ota request not sent", "cmd", fmt.Sprintf("0x%02X", cmd.CommandID()), "status", st)
	}
	return st
}

// Query asks server for a new image.
func (c *Client) Query(ctx context.Context, server zcl.Destination) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.Phase.Active() && c.sess.Phase != PhaseQuerying {
		return fmt.Errorf("ota session %s", c.sess.Phase)
	}
	if st := c.query(ctx, server); st != zcl.StatusSuccess {
		return fmt.Errorf("query next image: %w", st)
	}
	return nil
}

func (c *Client) query(ctx context.Context, server zcl.Destination) zcl.Status {
	c.sess = Session{Phase: PhaseQuerying, Server: server}
	st := c.send(ctx, &QueryNextImageRequest{
		Manufacturer:    c.cfg.Manufacturer,
		ImageType:       c.cfg.ImageType,
		FileVersion:     c.version,
		HardwareVersion: c.cfg.HardwareVersion,
	})
	c.arm(blockResponseTimeout, func(context.Context) {
		if c.sess.Phase == PhaseQuerying {
			c.logger.Debug("no query next image response")
			c.sess.Phase = PhaseIdle
		}
	})
	return st
}

// Abort drops the current session. The server is not told; it simply
// sees no further requests.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.Phase.Active() {
		c.abort("aborted locally")
	}
}

func (c *Client) abort(reason string) {
	c.logger.Info("ota session aborted", "reason", reason, "offset", c.sess.Offset)
	c.sess.Phase = PhaseAborted
	c.sess.Data = nil
	c.gen++
	c.setAttr(AttrImageUpgradeStatus, uint8(UpgradeNormal))
	c.setAttr(AttrFileOffset, uint32(0xFFFFFFFF))
	c.setAttr(AttrDownloadedFileVersion, AnyVersion)
	c.clearSaved()
	c.emitSession()
}

// Handle is the client-side OTA callback.
func (c *Client) Handle(req *zcl.Request, cmd Command) zcl.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m := cmd.(type) {
	case *ImageNotify:
		return c.onImageNotify(req, m)
	case *QueryNextImageResponse:
		return c.onQueryNextImageResponse(req, m)
	case ImageBlockResponse:
		return c.onBlockResponse(req, m)
	case *UpgradeEndResponse:
		return c.onUpgradeEndResponse(req, m)
	case *QueryDeviceSpecificFileResponse:
		c.logger.Debug("device specific file response", "status", m.Status)
		return zcl.StatusSuccess
	}
	return zcl.StatusUnsupClusterCommand
}

// knownServer reports whether frames from src may drive the client. Once
// UpgradeServerID is set only that server is followed.
func (c *Client) knownServer(src zcl.IEEEAddr) bool {
	id, err := zcl.GetIEEE(c.stack.Attributes(), c.cfg.Endpoint, clusters.ClusterOTAUpgrade, AttrUpgradeServerID)
	if err != nil || id.IsZero() || id == (zcl.IEEEAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) {
		return true
	}
	return src.IsZero() || src == id
}

func (c *Client) onImageNotify(req *zcl.Request, n *ImageNotify) zcl.Status {
	if !c.knownServer(req.Frame.SrcIEEE) {
		c.logger.Debug("image notify from foreign server ignored", "src", req.Frame.SrcIEEE)
		return zcl.StatusSuccess
	}
	if c.sess.Phase.Active() {
		c.logger.Debug("image notify ignored", "phase", c.sess.Phase)
		return zcl.StatusSuccess
	}
	if req.Frame.Broadcast {
		switch {
		case n.PayloadType >= NotifyManufacturer && n.Manufacturer != c.cfg.Manufacturer:
			return zcl.StatusSuccess
		case n.PayloadType >= NotifyImageType && n.ImageType != c.cfg.ImageType:
			return zcl.StatusSuccess
		case n.PayloadType >= NotifyFileVersion && n.FileVersion == c.version:
			return zcl.StatusSuccess
		case c.cfg.Jitter() > int(n.QueryJitter):
			return zcl.StatusSuccess
		}
	}
	if st := c.query(req.Ctx, req.Frame.ReplyTo()); st != zcl.StatusSuccess {
		return st
	}
	return zcl.StatusCmdHasResponse
}

func (c *Client) onQueryNextImageResponse(req *zcl.Request, r *QueryNextImageResponse) zcl.Status {
	if c.sess.Phase.Active() && c.sess.Phase != PhaseQuerying {
		return zcl.StatusSuccess
	}
	img := r.Image
	if r.Status != zcl.StatusSuccess || img.Manufacturer != c.cfg.Manufacturer ||
		img.ImageType != c.cfg.ImageType || img.FileVersion == c.version {
		c.logger.Debug("no new image", "status", r.Status, "version", fmt.Sprintf("0x%08X", img.FileVersion))
		c.sess.Phase = PhaseIdle
		c.gen++
		return zcl.StatusSuccess
	}
	if c.cfg.MaxImageSize > 0 && img.Size > c.cfg.MaxImageSize {
		c.logger.Warn("image too large", "size", img.Size, "max", c.cfg.MaxImageSize)
		c.sess.Phase = PhaseIdle
		c.gen++
		return zcl.StatusInsufficientSpace
	}
	if !req.Frame.SrcIEEE.IsZero() {
		c.setAttr(AttrUpgradeServerID, req.Frame.SrcIEEE)
	}
	c.start(req.Ctx, req.Frame.ReplyTo(), img)
	return zcl.StatusSuccess
}

// start begins a download, continuing a saved session of the same image.
func (c *Client) start(ctx context.Context, server zcl.Destination, img ImageDescriptor) {
	c.sess = Session{Phase: PhaseDownloading, Server: server, Image: img}
	if r := c.resume; r != nil && r.resumable(img) {
		c.sess.Offset = r.Offset
		c.sess.Data = r.Data
		c.sess.BlockDelay = r.BlockDelay
		c.logger.Info("resuming ota download", "offset", r.Offset, "size", img.Size)
	}
	c.resume = nil
	c.flushed = c.sess.Offset
	if c.flushed == 0 && c.cfg.Sessions != nil {
		// drop data left by another image
		if err := c.cfg.Sessions.AppendData(0, nil); err != nil {
			c.logger.Warn("reset ota data", "err", err)
		}
	}
	c.logger.Info("ota download started", "version", fmt.Sprintf("0x%08X", img.FileVersion), "size", img.Size)

	c.setAttr(AttrImageUpgradeStatus, uint8(UpgradeDownloadInProgress))
	c.setAttr(AttrFileOffset, c.sess.Offset)
	c.setAttr(AttrDownloadedFileVersion, img.FileVersion)
	c.setAttr(AttrImageTypeID, img.ImageType)
	c.save()
	c.emitSession()

	if c.sess.Offset >= img.Size {
		c.verify(ctx)
		return
	}
	c.requestBlock(ctx)
}

func (c *Client) requestBlock(ctx context.Context) {
	if !c.sess.Phase.transferring() {
		return
	}
	c.sess.Phase = PhaseDownloading
	delay := c.sess.BlockDelay
	n := min(uint32(c.cfg.MaxDataSize), c.sess.Image.Size-c.sess.Offset)
	c.send(ctx, &ImageBlockRequest{
		Manufacturer:      c.sess.Image.Manufacturer,
		ImageType:         c.sess.Image.ImageType,
		FileVersion:       c.sess.Image.FileVersion,
		Offset:            c.sess.Offset,
		MaxDataSize:       uint8(n),
		BlockRequestDelay: &delay,
	})
	c.arm(blockResponseTimeout, c.blockTimeout)
}

// nextBlock requests the next block, spaced by the block request delay.
func (c *Client) nextBlock(ctx context.Context) {
	if c.sess.BlockDelay == 0 {
		c.requestBlock(ctx)
		return
	}
	c.arm(time.Duration(c.sess.BlockDelay)*time.Millisecond, c.requestBlock)
}

func (c *Client) blockTimeout(ctx context.Context) {
	if !c.sess.Phase.transferring() {
		return
	}
	c.sess.Retries++
	if c.sess.Retries >= MaxBlockRetries {
		c.sendEnd(ctx, zcl.StatusAbort)
		c.abort("no block response")
		return
	}
	c.logger.Debug("block request retry", "offset", c.sess.Offset, "retry", c.sess.Retries)
	c.requestBlock(ctx)
}

func (c *Client) onBlockResponse(req *zcl.Request, rsp ImageBlockResponse) zcl.Status {
	if !c.sess.Phase.transferring() {
		return zcl.StatusSuccess
	}
	switch r := rsp.(type) {
	case *BlockData:
		return c.onBlockData(req.Ctx, r)
	case *BlockWait:
		c.sess.Retries = 0
		if r.RequestTime > r.CurrentTime {
			wait := time.Duration(r.RequestTime-r.CurrentTime) * time.Second
			c.sess.Phase = PhaseWaiting
			c.logger.Debug("server asked to wait", "wait", wait)
			c.arm(wait, c.requestBlock)
			return zcl.StatusSuccess
		}
		c.sess.BlockDelay = r.BlockRequestDelay
		c.setAttr(AttrMinimumBlockPeriod, r.BlockRequestDelay)
		c.requestBlock(req.Ctx)
		return zcl.StatusSuccess
	}
	if rsp.ResponseStatus() == zcl.StatusAbort {
		c.abort("server aborted")
		return zcl.StatusSuccess
	}
	return zcl.StatusMalformedCommand
}

func (c *Client) onBlockData(ctx context.Context, b *BlockData) zcl.Status {
	img := c.sess.Image
	if b.Manufacturer != img.Manufacturer || b.ImageType != img.ImageType || b.FileVersion != img.FileVersion {
		c.sendEnd(ctx, zcl.StatusInvalidImage)
		c.abort("block for another image")
		return zcl.StatusSuccess
	}
	if b.Offset != c.sess.Offset {
		c.logger.Debug("block at unexpected offset ignored", "offset", b.Offset, "want", c.sess.Offset)
		return zcl.StatusSuccess
	}
	data := b.Data
	if remaining := img.Size - c.sess.Offset; uint32(len(data)) > remaining {
		data = data[:remaining]
	}
	if len(data) == 0 {
		return zcl.StatusMalformedCommand
	}
	c.sess.Data = append(c.sess.Data, data...)
	c.sess.Offset += uint32(len(data))
	c.sess.Retries = 0
	c.setAttr(AttrFileOffset, c.sess.Offset)

	if c.sess.Offset >= img.Size {
		c.flush(true)
		c.verify(ctx)
		return zcl.StatusSuccess
	}
	c.flush(false)
	c.nextBlock(ctx)
	return zcl.StatusSuccess
}

// verify checks the downloaded file and reports the result with an
// Upgrade End Request.
func (c *Client) verify(ctx context.Context) {
	c.sess.Phase = PhaseVerifying
	img := c.sess.Image
	st := zcl.StatusSuccess
	h, _, err := ParseImage(c.sess.Data)
	switch {
	case err != nil:
		c.logger.Warn("downloaded image invalid", "err", err)
		st = zcl.StatusInvalidImage
	case h.Manufacturer != img.Manufacturer || h.ImageType != img.ImageType || h.FileVersion != img.FileVersion:
		c.logger.Warn("downloaded image header mismatch", "manufacturer", fmt.Sprintf("0x%04X", h.Manufacturer),
			"image_type", fmt.Sprintf("0x%04X", h.ImageType), "version", fmt.Sprintf("0x%08X", h.FileVersion))
		st = zcl.StatusInvalidImage
	}
	c.sendEnd(ctx, st)
	if st != zcl.StatusSuccess {
		c.abort("invalid image")
		return
	}
	c.sess.Phase = PhaseEnding
	c.sess.EndRetries = 0
	c.setAttr(AttrImageUpgradeStatus, uint8(UpgradeDownloadComplete))
	c.setAttr(AttrDownloadedZigBeeStackVersion, h.StackVersion)
	c.save()
	c.emitSession()
	c.arm(blockResponseTimeout, c.endTimeout)
}

func (c *Client) sendEnd(ctx context.Context, st zcl.Status) {
	img := c.sess.Image
	c.send(ctx, &UpgradeEndRequest{
		Status:       st,
		Manufacturer: img.Manufacturer,
		ImageType:    img.ImageType,
		FileVersion:  img.FileVersion,
	})
}

// endTimeout resends the Upgrade End Request. After MaxEndRetries
// unanswered requests the client upgrades anyway.
func (c *Client) endTimeout(ctx context.Context) {
	if c.sess.Phase != PhaseEnding {
		return
	}
	c.sess.EndRetries++
	if c.sess.EndRetries >= MaxEndRetries {
		c.logger.Info("no upgrade end response, upgrading")
		c.finish(ctx)
		return
	}
	c.sendEnd(ctx, zcl.StatusSuccess)
	interval := blockResponseTimeout
	if c.sess.WaitToUpgrade {
		interval = upgradeRetryInterval
	}
	c.arm(interval, c.endTimeout)
}

func (c *Client) onUpgradeEndResponse(req *zcl.Request, r *UpgradeEndResponse) zcl.Status {
	if c.sess.Phase != PhaseEnding || (c.sess.WaitToUpgrade && r.UpgradeTime == upgradeNever) {
		return zcl.StatusSuccess
	}
	img := c.sess.Image
	if !idMatch(img.Manufacturer, r.Manufacturer) || !idMatch(img.ImageType, r.ImageType) ||
		!versionMatch(img.FileVersion, r.FileVersion) {
		c.logger.Debug("upgrade end response for another image ignored")
		return zcl.StatusSuccess
	}
	if r.UpgradeTime == upgradeNever {
		c.sess.WaitToUpgrade = true
		c.sess.EndRetries = 0
		c.setAttr(AttrImageUpgradeStatus, uint8(UpgradeWaitingToUpgrade))
		c.save()
		c.emitSession()
		c.arm(upgradeRetryInterval, c.endTimeout)
		return zcl.StatusSuccess
	}
	var delay time.Duration
	if r.UpgradeTime > r.CurrentTime {
		delay = time.Duration(r.UpgradeTime-r.CurrentTime) * time.Second
	}
	c.sess.Phase = PhaseCountingDown
	c.setAttr(AttrImageUpgradeStatus, uint8(UpgradeCountDown))
	c.save()
	c.emitSession()
	c.logger.Info("upgrade scheduled", "delay", delay)
	if delay == 0 {
		c.finish(req.Ctx)
		return zcl.StatusSuccess
	}
	c.arm(delay, c.finish)
	return zcl.StatusSuccess
}

// finish hands the image to the application and makes it current.
func (c *Client) finish(ctx context.Context) {
	if c.sess.Phase != PhaseCountingDown && c.sess.Phase != PhaseEnding {
		return
	}
	h, _, err := ParseImage(c.sess.Data)
	if err != nil {
		c.abort("image no longer valid")
		return
	}
	if c.cfg.OnUpgrade != nil {
		if err := c.cfg.OnUpgrade(h, c.sess.Data); err != nil {
			c.logger.Error("apply ota image", "err", err)
			c.abort("apply failed")
			return
		}
	}
	c.version = h.FileVersion
	c.sess.Phase = PhaseDone
	c.sess.Data = nil
	c.gen++
	c.setAttr(AttrCurrentFileVersion, h.FileVersion)
	c.setAttr(AttrCurrentZigBeeStackVersion, h.StackVersion)
	c.setAttr(AttrImageUpgradeStatus, uint8(UpgradeNormal))
	c.setAttr(AttrFileOffset, uint32(0xFFFFFFFF))
	c.clearSaved()
	c.logger.Info("ota upgrade complete", "version", fmt.Sprintf("0x%08X", h.FileVersion))
	c.emitSession()
	if c.cfg.Emit != nil {
		c.cfg.Emit(EventUpgraded, map[string]any{
			"manufacturer": h.Manufacturer,
			"image_type":   h.ImageType,
			"file_version": h.FileVersion,
			"size":         h.TotalImageSize,
		})
	}
}

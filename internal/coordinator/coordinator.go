package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zigbee-zcl/internal/ncp"
	"zigbee-zcl/internal/store"
	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/clusters"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

// Config holds node configuration.
type Config struct {
	IEEE      zcl.IEEEAddr
	ShortAddr uint16

	// AppEndpoint hosts Basic and Identify and is the source of translated
	// GP commands.
	AppEndpoint  uint8
	Manufacturer string
	Model        string

	GPEndpoint   uint8
	SinkCapacity int
	// SinkGroup is the group of precommissioned group pairings.
	SinkGroup uint16
	// CommunicationMode, ExitMode and CommissioningWindow seed the GP sink
	// attributes. Zero ExitMode and window keep the cluster defaults.
	CommunicationMode   greenpower.CommMode
	ExitMode            uint8
	CommissioningWindow time.Duration
	// TranslationTarget receives translated GPD commands. Nil selects the
	// default group.
	TranslationTarget *zcl.Destination

	OTAEndpoint    uint8
	OTAServer      bool
	MinBlockPeriod uint16
	UpgradeDelay   time.Duration

	OTAClient      bool
	ManufacturerID uint16
	ImageType      uint16
	FileVersion    uint32
	MaxDataSize    uint8
	MaxImageSize   uint32
	QueryInterval  time.Duration
	UpgradeServer  zcl.Destination
	UpgradeDir     string

	BufferSlots int
	BufferSize  int
	QueueDepth  int
}

func (c *Config) setDefaults() {
	if c.AppEndpoint == 0 {
		c.AppEndpoint = greenpower.DefaultAppEndpoint
	}
	if c.GPEndpoint == 0 {
		c.GPEndpoint = greenpower.Endpoint
	}
	if c.SinkCapacity == 0 {
		c.SinkCapacity = 16
	}
	if c.OTAEndpoint == 0 {
		c.OTAEndpoint = ota.DefaultEndpoint
	}
	if c.UpgradeServer.Mode == 0 {
		c.UpgradeServer = zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: 0x0000, Endpoint: ota.DefaultEndpoint}
	}
	if c.BufferSlots == 0 {
		c.BufferSlots = 8
	}
	if c.BufferSize == 0 {
		c.BufferSize = 128
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 64
	}
}

// Coordinator owns one ZCL stack and the applications running on it: the
// Green Power sink and the OTA server and client. Frames from the
// transport and timer callbacks all run on a single event loop.
type Coordinator struct {
	transport ncp.Transport
	store     store.Store
	events    *EventBus
	logger    *slog.Logger
	config    Config

	loop   *zcl.Loop
	pool   *zcl.FixedPool
	attrs  *zcl.MemoryStore
	stack  *zcl.Stack
	sink   *greenpower.Sink
	server *ota.Server
	client *ota.Client

	reads   map[readKey]chan *zcl.ReadAttributesResponse
	readsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator and registers its clusters. Call Start to run
// the event loop and take frames from the transport.
func New(transport ncp.Transport, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		transport: transport,
		store:     st,
		events:    events,
		logger:    logger,
		config:    cfg,
		loop:      zcl.NewLoop(cfg.QueueDepth, logger),
		pool:      zcl.NewFixedPool(cfg.BufferSlots, cfg.BufferSize),
		attrs:     zcl.NewMemoryStore(),
		reads:     make(map[readKey]chan *zcl.ReadAttributesResponse),
		ctx:       ctx,
		cancel:    cancel,
	}

	catalog := zcl.NewCatalog(logger)
	catalog.Add(clusters.All()...)
	c.stack = zcl.NewStack(zcl.StackConfig{
		Attributes:   c.attrs,
		Pool:         c.pool,
		Sender:       transport,
		Scheduler:    c.loop,
		Policy:       st,
		Catalog:      catalog,
		OnFoundation: c.onFoundation,
		Logger:       logger,
	})

	if err := c.register(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) register() error {
	cfg := &c.config
	emit := c.events.Emitter()

	basic := map[uint16]any{}
	if cfg.Manufacturer != "" {
		basic[attrManufacturerName] = cfg.Manufacturer
	}
	if cfg.Model != "" {
		basic[attrModelIdentifier] = cfg.Model
	}
	regs := []zcl.Registration{
		{Endpoint: cfg.AppEndpoint, ClusterID: zcl.ClusterBasic, Attributes: clusters.Basic.AttributesWith(basic)},
		{Endpoint: cfg.AppEndpoint, ClusterID: zcl.ClusterIdentify, Attributes: clusters.Identify.AttributesWith(nil)},
	}

	c.sink = greenpower.NewSink(c.stack, greenpower.SinkConfig{
		Endpoint:    cfg.GPEndpoint,
		AppEndpoint: cfg.AppEndpoint,
		Target:      cfg.TranslationTarget,
		IEEE:        cfg.IEEE,
		ShortAddr:   cfg.ShortAddr,
		Group:       cfg.SinkGroup,
		Table:       greenpower.NewSinkTable(cfg.SinkCapacity, c.store, c.logger),
		Emit:        emit,
		Logger:      c.logger,
	})
	regs = append(regs, c.sink.Registration())

	if cfg.OTAServer {
		c.server = ota.NewServer(c.stack, ota.ServerConfig{
			Endpoint:       cfg.OTAEndpoint,
			Images:         c.store,
			MinBlockPeriod: cfg.MinBlockPeriod,
			UpgradeDelay:   cfg.UpgradeDelay,
			Emit:           emit,
			Logger:         c.logger,
		})
	}
	if cfg.OTAClient {
		c.client = ota.NewClient(c.stack, ota.ClientConfig{
			Endpoint:     cfg.OTAEndpoint,
			Manufacturer: cfg.ManufacturerID,
			ImageType:    cfg.ImageType,
			FileVersion:  cfg.FileVersion,
			StackVersion: ota.StackZigBeePro,
			MaxDataSize:  cfg.MaxDataSize,
			MaxImageSize: cfg.MaxImageSize,
			Sessions:     c.store,
			OnUpgrade:    c.saveUpgrade,
			Emit:         emit,
			Logger:       c.logger,
		})
	}
	if c.server != nil || c.client != nil {
		regs = append(regs, ota.NewRegistration(cfg.OTAEndpoint, c.server, c.client, c.logger))
	}

	for _, reg := range regs {
		if err := c.stack.Register(reg); err != nil {
			return fmt.Errorf("register %s on endpoint %d: %w", c.stack.Catalog().Name(reg.ClusterID), reg.Endpoint, err)
		}
	}

	gpAttrs := map[uint16]any{
		greenpower.AttrCommunicationMode: uint8(cfg.CommunicationMode),
	}
	if cfg.ExitMode != 0 {
		gpAttrs[greenpower.AttrCommissioningExitMode] = cfg.ExitMode
	}
	if cfg.CommissioningWindow > 0 {
		gpAttrs[greenpower.AttrCommissioningWindow] = uint16(min(cfg.CommissioningWindow/time.Second, 0xFFFF))
	}
	for id, v := range gpAttrs {
		if err := c.attrs.Set(cfg.GPEndpoint, clusters.ClusterGreenPower, id, v); err != nil {
			return fmt.Errorf("gp attribute 0x%04X: %w", id, err)
		}
	}
	return nil
}

// Start runs the event loop and starts taking indications.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop.Run(c.ctx)
	}()

	c.transport.OnIndication(c.handleIndication)

	if c.client != nil && c.config.QueryInterval > 0 {
		c.loop.Schedule(c.config.QueryInterval, c.queryTick)
	}
	c.logger.Info("node started",
		"gp_endpoint", c.config.GPEndpoint,
		"ota_server", c.server != nil,
		"ota_client", c.client != nil)
	c.events.Emit(Event{Type: EventNodeState, Data: "started"})
}

// Stop halts the event loop. The transport and store are closed by their
// owner.
func (c *Coordinator) Stop() {
	c.transport.OnIndication(nil)
	c.cancel()
	c.wg.Wait()
	c.events.Emit(Event{Type: EventNodeState, Data: "stopped"})
}

// Context returns the node context, cancelled by Stop.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// handleIndication runs on the transport read goroutine. A full queue drops
// the frame: blocking here would also hold back the data confirms the loop
// may be waiting for.
func (c *Coordinator) handleIndication(ind ncp.Indication) {
	if !c.loop.TryPost(func() { c.stack.Receive(c.ctx, &ind.Frame, ind.ASDU) }) {
		c.logger.Warn("event queue full, indication dropped",
			"src", fmt.Sprintf("0x%04X", ind.Frame.SrcAddr),
			"cluster", fmt.Sprintf("0x%04X", ind.Frame.ClusterID))
	}
}

func (c *Coordinator) queryTick() {
	if c.ctx.Err() != nil {
		return
	}
	if err := c.client.Query(c.ctx, c.config.UpgradeServer); err != nil {
		c.logger.Debug("periodic ota query skipped", "err", err)
	}
	c.loop.Schedule(c.config.QueryInterval, c.queryTick)
}

// saveUpgrade writes a downloaded image to the upgrade directory.
func (c *Coordinator) saveUpgrade(h ota.ImageHeader, file []byte) error {
	if c.config.UpgradeDir == "" {
		c.logger.Info("upgrade ready, no upgrade directory configured", "version", fmt.Sprintf("0x%08X", h.FileVersion))
		return nil
	}
	if err := os.MkdirAll(c.config.UpgradeDir, 0o755); err != nil {
		return fmt.Errorf("upgrade dir: %w", err)
	}
	path := filepath.Join(c.config.UpgradeDir, store.ImageKey(&h)+".ota")
	if err := os.WriteFile(path, file, 0o644); err != nil {
		return fmt.Errorf("write upgrade: %w", err)
	}
	c.logger.Info("upgrade written", "path", path, "version", fmt.Sprintf("0x%08X", h.FileVersion))
	return nil
}

func (c *Coordinator) onFoundation(f *zcl.IncomingFrame, msg any) {
	src := fmt.Sprintf("0x%04X", f.SrcAddr)
	switch m := msg.(type) {
	case *zcl.ReportAttributes:
		c.events.Emit(Event{Type: EventAttributeReport, Data: map[string]any{
			"src":      src,
			"endpoint": f.SrcEndpoint,
			"cluster":  f.ClusterID,
			"records":  m.Records,
		}})
	case *zcl.ReadAttributesResponse:
		c.completeRead(f, m)
	case *zcl.DefaultResponse:
		c.events.Emit(Event{Type: EventDefaultResponse, Data: map[string]any{
			"src":     src,
			"cluster": f.ClusterID,
			"command": m.CommandID,
			"status":  m.Status.String(),
		}})
	}
}

// Do runs fn on the event loop and waits for it.
func (c *Coordinator) Do(ctx context.Context, fn func(ctx context.Context)) error {
	return c.loop.Do(ctx, func() { fn(ctx) })
}

// EnterCommissioning opens the GP commissioning window. A zero window uses
// the configured one.
func (c *Coordinator) EnterCommissioning(ctx context.Context, window time.Duration) error {
	var err error
	if derr := c.Do(ctx, func(ctx context.Context) { err = c.sink.EnterCommissioning(ctx, window) }); derr != nil {
		return derr
	}
	return err
}

func (c *Coordinator) ExitCommissioning(ctx context.Context) error {
	var err error
	if derr := c.Do(ctx, func(ctx context.Context) { err = c.sink.ExitCommissioning(ctx) }); derr != nil {
		return derr
	}
	return err
}

// RemoveGPD unpairs a Green Power device.
func (c *Coordinator) RemoveGPD(ctx context.Context, id greenpower.GPDID) error {
	var err error
	if derr := c.Do(ctx, func(ctx context.Context) { err = c.sink.Remove(ctx, id) }); derr != nil {
		return derr
	}
	return err
}

// NotifyImage sends an Image Notify from the OTA server.
func (c *Coordinator) NotifyImage(ctx context.Context, dst zcl.Destination, payloadType ota.NotifyPayloadType, jitter uint8) error {
	if c.server == nil {
		return fmt.Errorf("ota server disabled")
	}
	var err error
	if derr := c.Do(ctx, func(ctx context.Context) { err = c.server.Notify(ctx, dst, payloadType, jitter) }); derr != nil {
		return derr
	}
	return err
}

// QueryImage makes the OTA client query its upgrade server now.
func (c *Coordinator) QueryImage(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("ota client disabled")
	}
	var err error
	if derr := c.Do(ctx, func(ctx context.Context) { err = c.client.Query(ctx, c.config.UpgradeServer) }); derr != nil {
		return derr
	}
	return err
}

// GPDs lists the paired Green Power devices.
func (c *Coordinator) GPDs() []greenpower.SinkEntry { return c.sink.Table().Entries() }

// LookupGPD returns the sink table entry of a paired GPD.
func (c *Coordinator) LookupGPD(id greenpower.GPDID) (greenpower.SinkEntry, bool) {
	return c.sink.Table().Lookup(id)
}

// Session returns the OTA client session, or false when the client is
// disabled.
func (c *Coordinator) Session() (ota.Session, bool) {
	if c.client == nil {
		return ota.Session{}, false
	}
	return c.client.Session(), true
}

// SetPolicy replaces the access policy.
func (c *Coordinator) SetPolicy(st zcl.PolicyState) error {
	p := c.stack.Policy()
	if err := p.SetLinkKeyAuth(st.LinkKeyAuth, st.LinkKeyClusters); err != nil {
		return err
	}
	if err := p.SetAckRequired(st.AckClusters); err != nil {
		return err
	}
	c.events.Emit(Event{Type: EventPolicy, Data: p.State()})
	return nil
}

// Info describes the node for the API.
func (c *Coordinator) Info() map[string]any {
	info := map[string]any{
		"ieee":          c.config.IEEE.String(),
		"short_addr":    fmt.Sprintf("0x%04X", c.config.ShortAddr),
		"gp_endpoint":   c.config.GPEndpoint,
		"ota_endpoint":  c.config.OTAEndpoint,
		"ota_server":    c.server != nil,
		"ota_client":    c.client != nil,
		"sink_entries":  c.sink.Table().Len(),
		"sink_capacity": c.sink.Table().Capacity(),
		"buffers_used":  c.pool.InUse(),
		"commissioning": c.sink.Commissioning(),
	}
	if c.client != nil {
		info["file_version"] = fmt.Sprintf("0x%08X", c.client.FileVersion())
	}
	return info
}

func (c *Coordinator) Stack() *zcl.Stack            { return c.stack }
func (c *Coordinator) Catalog() *zcl.Catalog        { return c.stack.Catalog() }
func (c *Coordinator) Sink() *greenpower.Sink       { return c.sink }
func (c *Coordinator) OTAServer() *ota.Server       { return c.server }
func (c *Coordinator) OTAClient() *ota.Client       { return c.client }
func (c *Coordinator) Store() store.Store           { return c.store }
func (c *Coordinator) Events() *EventBus            { return c.events }
func (c *Coordinator) Config() Config               { return c.config }
func (c *Coordinator) Pool() *zcl.FixedPool         { return c.pool }
func (c *Coordinator) Attributes() *zcl.MemoryStore { return c.attrs }

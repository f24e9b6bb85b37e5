package greenpower

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/clusters"
)

// Event types emitted by the sink
const (
	EventCommissioning = "gp_commissioning"
	EventCommissioned  = "gp_commissioned"
	EventRemoved       = "gp_removed"
	EventNotification  = "gp_notification"
	EventCommand       = "gp_command"
)

const (
	// DefaultTargetGroup receives translated commands when no target is
	// configured.
	DefaultTargetGroup uint16 = 0x0001
	// DefaultAppEndpoint is the source endpoint of translated commands.
	DefaultAppEndpoint uint8 = 0x01

	noGroupcastRadius uint8  = 0xFF
	noAlias           uint16 = 0xFFFF
	anySinkEndpoint   uint8  = 0xFF

	defaultWindow = 180 * time.Second

	// maxEntriesBytes bounds the encoded entries of one table response.
	maxEntriesBytes = 64
)

// SinkConfig configures a Sink.
type SinkConfig struct {
	Endpoint    uint8 // GP endpoint, default 0xF2
	AppEndpoint uint8 // source endpoint of translated commands
	// Target receives translated commands. Nil selects DefaultTargetGroup.
	Target *zcl.Destination
	// Local addresses, sent to proxies in unicast pairings.
	IEEE      zcl.IEEEAddr
	ShortAddr uint16
	// Group is the sink group of precommissioned group pairings.
	Group        uint16
	Table        *SinkTable
	Translations *TranslationTable
	Emit         func(eventType string, data map[string]any)
	Logger       *slog.Logger
}

// Sink is the Green Power sink application: it commissions GPDs, keeps the
// sink table and turns GPD commands into ZCL commands.
type Sink struct {
	stack  *zcl.Stack
	cfg    SinkConfig
	table  *SinkTable
	trans  *TranslationTable
	logger *slog.Logger

	mu            sync.Mutex
	commissioning bool
	gen           uint64
}

// NewSink creates a sink on stack. Register its Registration to receive
// GP commands.
func NewSink(stack *zcl.Stack, cfg SinkConfig) *Sink {
	if cfg.Endpoint == 0 {
		cfg.Endpoint = Endpoint
	}
	if cfg.AppEndpoint == 0 {
		cfg.AppEndpoint = DefaultAppEndpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = stack.Logger()
	}
	logger = logger.With("component", "gp-sink")
	if cfg.Table == nil {
		cfg.Table = NewSinkTable(16, nil, logger)
	}
	if cfg.Translations == nil {
		cfg.Translations = NewTranslationTable(DefaultTranslations())
	}
	return &Sink{
		stack:  stack,
		cfg:    cfg,
		table:  cfg.Table,
		trans:  cfg.Translations,
		logger: logger,
	}
}

// Registration returns the GP cluster registration of the sink.
func (s *Sink) Registration() zcl.Registration {
	return zcl.Registration{
		Endpoint:  s.cfg.Endpoint,
		ClusterID: clusters.ClusterGreenPower,
		Attributes: clusters.GreenPower.AttributesWith(map[uint16]any{
			AttrMaxSinkTableEntries: uint8(min(s.table.Capacity(), 0xFF)),
			AttrSinkTable:           s.table.AttributeValue(),
		}),
		Processor: NewHandler(s.Handle, s.logger),
	}
}

func (s *Sink) Table() *SinkTable { return s.table }

// Commissioning reports whether the commissioning window is open.
func (s *Sink) Commissioning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commissioning
}

func (s *Sink) attrUint(attrID uint16, def uint64) uint64 {
	v, err := zcl.GetUint(s.stack.Attributes(), s.cfg.Endpoint, clusters.ClusterGreenPower, attrID)
	if err != nil {
		return def
	}
	return v
}

func (s *Sink) emit(eventType string, data map[string]any) {
	if s.cfg.Emit != nil {
		s.cfg.Emit(eventType, data)
	}
}

// syncAttribute publishes the sink table in the SinkTable attribute.
func (s *Sink) syncAttribute() {
	err := s.stack.Attributes().Set(s.cfg.Endpoint, clusters.ClusterGreenPower, AttrSinkTable, s.table.AttributeValue())
	if err != nil {
		s.logger.Debug("sink table attribute not updated", "err", err)
	}
}

// toProxies broadcasts a server-generated GP command to all proxies.
func (s *Sink) toProxies(ctx context.Context, cmd Command) zcl.Status {
	dst := zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: zcl.BroadcastRxOn, Endpoint: Endpoint}
	c := s.stack.ClusterCommand(dst, s.cfg.Endpoint, clusters.ClusterGreenPower, cmd.Direction(), cmd.CommandID(), cmd)
	c.ProfileID = zcl.ProfileGP
	return s.stack.Send(ctx, c)
}

// EnterCommissioning opens the commissioning window and puts the proxies
// into commissioning mode. A zero window uses the CommissioningWindow
// attribute.
func (s *Sink) EnterCommissioning(ctx context.Context, window time.Duration) error {
	return s.enter(ctx, window, true)
}

func (s *Sink) enter(ctx context.Context, window time.Duration, involveProxies bool) error {
	if window <= 0 {
		window = time.Duration(s.attrUint(AttrCommissioningWindow, uint64(defaultWindow/time.Second))) * time.Second
	}
	exitMode := uint8(s.attrUint(AttrCommissioningExitMode, uint64(ExitOnFirstPairing)))

	s.mu.Lock()
	s.commissioning = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if exitMode&ExitOnWindowExpiration != 0 {
		if sched := s.stack.Scheduler(); sched != nil {
			sched.Schedule(window, func() { s.expire(gen) })
		}
	}
	s.logger.Info("commissioning window opened", "window", window, "exit_mode", exitMode)
	s.emit(EventCommissioning, map[string]any{"enter": true, "window": int(window / time.Second)})

	if !involveProxies {
		return nil
	}
	secs := uint16(min(window/time.Second, 0xFFFF))
	cmd := &ProxyCommissioningMode{Enter: true, ExitMode: exitMode & (ExitOnWindowExpiration | ExitOnFirstPairing)}
	if exitMode&ExitOnWindowExpiration != 0 {
		cmd.Window = &secs
	}
	if st := s.toProxies(ctx, cmd); st != zcl.StatusSuccess {
		return fmt.Errorf("proxy commissioning mode: %w", st)
	}
	return nil
}

func (s *Sink) expire(gen uint64) {
	s.mu.Lock()
	stale := !s.commissioning || gen != s.gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.logger.Info("commissioning window expired")
	if err := s.ExitCommissioning(context.Background()); err != nil {
		s.logger.Warn("exit commissioning", "err", err)
	}
}

// ExitCommissioning closes the commissioning window and takes the proxies
// out of commissioning mode.
func (s *Sink) ExitCommissioning(ctx context.Context) error {
	s.mu.Lock()
	if !s.commissioning {
		s.mu.Unlock()
		return nil
	}
	s.commissioning = false
	s.gen++
	s.mu.Unlock()

	s.logger.Info("commissioning window closed")
	s.emit(EventCommissioning, map[string]any{"enter": false})
	if st := s.toProxies(ctx, &ProxyCommissioningMode{}); st != zcl.StatusSuccess {
		return fmt.Errorf("proxy commissioning mode: %w", st)
	}
	return nil
}

// Remove deletes a paired GPD and tells the proxies to drop it.
func (s *Sink) Remove(ctx context.Context, id GPDID) error {
	e, ok := s.table.Lookup(id)
	if !ok {
		return fmt.Errorf("gpd %s: %w", id, zcl.StatusNotFound)
	}
	return s.removeEntry(ctx, e, ActionRemoveGPD, true)
}

func (s *Sink) removeEntry(ctx context.Context, e SinkEntry, action PairingAction, sendPairing bool) error {
	if _, err := s.table.Remove(e.GPD); err != nil {
		return err
	}
	s.syncAttribute()
	if sendPairing {
		s.sendPairings(ctx, e, action)
	}
	s.logger.Info("gpd removed", "gpd", e.GPD)
	s.emit(EventRemoved, map[string]any{"gpd": e.GPD.String()})
	return nil
}

// Handle is the GP handler callback of the sink.
func (s *Sink) Handle(req *zcl.Request, cmd Command) zcl.Status {
	switch c := cmd.(type) {
	case *Notification:
		return s.onNotification(req, c)
	case *CommissioningNotification:
		return s.onCommissioningNotification(req, c)
	case *SinkCommissioningMode:
		return s.onSinkCommissioningMode(req, c)
	case *PairingConfiguration:
		return s.onPairingConfiguration(req, c)
	case *SinkTableRequest:
		return s.onSinkTableRequest(req, c)
	case *TranslationTableRequest:
		return s.onTranslationTableRequest(req, c)
	}
	s.logger.Debug("gp command", "type", fmt.Sprintf("%T", cmd), "src", fmt.Sprintf("0x%04X", req.Frame.SrcAddr))
	s.emit(EventCommand, map[string]any{
		"command":   cmd.CommandID(),
		"direction": cmd.Direction().String(),
		"src":       req.Frame.SrcAddr,
	})
	return zcl.StatusSuccess
}

func (s *Sink) onNotification(req *zcl.Request, n *Notification) zcl.Status {
	e, ok := s.table.Lookup(n.GPD)
	if !ok {
		s.logger.Debug("notification from unpaired gpd dropped", "gpd", n.GPD)
		return zcl.StatusSuccess
	}
	if e.TracksCounter() {
		if n.FrameCounter <= e.FrameCounter {
			s.logger.Debug("stale gpd frame dropped", "gpd", n.GPD, "counter", n.FrameCounter, "last", e.FrameCounter)
			return zcl.StatusSuccess
		}
		e.FrameCounter = n.FrameCounter
		if err := s.table.Upsert(e); err != nil {
			s.logger.Warn("update gpd frame counter", "gpd", n.GPD, "err", err)
		}
	}

	s.emit(EventNotification, map[string]any{
		"gpd":           n.GPD.String(),
		"device_id":     e.DeviceID,
		"command":       n.GPDCommand,
		"payload":       hex.EncodeToString(n.Payload),
		"frame_counter": n.FrameCounter,
	})
	s.translate(req.Ctx, e, n.GPDCommand, n.Payload)
	return zcl.StatusSuccess
}

func (s *Sink) target() zcl.Destination {
	if s.cfg.Target != nil {
		return *s.cfg.Target
	}
	return zcl.Destination{Mode: zcl.AddrModeGroup, GroupID: DefaultTargetGroup}
}

// translate sends the ZCL command a GPD command translates to.
func (s *Sink) translate(ctx context.Context, e SinkEntry, gpdCmd uint8, gpdPayload []byte) {
	tr, ok := s.trans.Lookup(e.DeviceID, gpdCmd)
	if !ok {
		s.logger.Debug("no translation", "gpd", e.GPD, "device", e.DeviceID, "cmd", fmt.Sprintf("0x%02X", gpdCmd))
		return
	}
	clusterID, payload, err := tr.Apply(gpdPayload)
	if err != nil {
		s.logger.Warn("translate gpd command", "gpd", e.GPD, "err", err)
		return
	}
	cmd := s.stack.ClusterCommand(s.target(), s.cfg.AppEndpoint, clusterID, zcl.ClientToServer, tr.CommandID, payload)
	cmd.ProfileID = zcl.ProfileHA
	if tr.ProfileWide {
		cmd.Header.FrameType = zcl.FrameTypeProfile
		cmd.Header.Direction = zcl.ServerToClient
	}
	if st := s.stack.Send(ctx, cmd); st != zcl.StatusSuccess {
		s.logger.Warn("translated command not sent", "gpd", e.GPD, "cluster", s.stack.Catalog().Name(clusterID), "status", st)
	}
}

func (s *Sink) onCommissioningNotification(req *zcl.Request, c *CommissioningNotification) zcl.Status {
	if c.SecurityFailed() {
		s.logger.Debug("commissioning notification failed security", "gpd", c.GPD)
		return zcl.StatusSuccess
	}
	switch c.GPDCommand {
	case GPDCmdCommissioning:
		if !s.Commissioning() {
			s.logger.Debug("commissioning notification outside window", "gpd", c.GPD)
			return zcl.StatusSuccess
		}
		var p CommissioningPayload
		if err := zcl.Unmarshal(c.Payload, &p); err != nil {
			s.logger.Warn("bad gpd commissioning payload", "gpd", c.GPD, "err", err)
			return zcl.StatusOf(err)
		}
		return s.commission(req.Ctx, c, &p)
	case GPDCmdDecommissioning:
		e, ok := s.table.Lookup(c.GPD)
		if !ok {
			return zcl.StatusSuccess
		}
		if err := s.removeEntry(req.Ctx, e, ActionRemoveGPD, true); err != nil {
			s.logger.Warn("decommission gpd", "gpd", c.GPD, "err", err)
			return zcl.StatusOf(err)
		}
	default:
		s.logger.Debug("commissioning notification", "gpd", c.GPD, "cmd", fmt.Sprintf("0x%02X", c.GPDCommand))
	}
	return zcl.StatusSuccess
}

// commission pairs the GPD of a GPD Commissioning command.
func (s *Sink) commission(ctx context.Context, c *CommissioningNotification, p *CommissioningPayload) zcl.Status {
	e := SinkEntry{
		GPD:             c.GPD,
		CommMode:        CommMode(s.attrUint(AttrCommunicationMode, uint64(CommModeDerivedGroup)) & 0x03),
		SeqNumCap:       p.SeqNumCap,
		RxOnCap:         p.RxOnCap,
		FixedLocation:   p.FixedLocation,
		DeviceID:        p.DeviceID,
		GroupcastRadius: noGroupcastRadius,
		FrameCounter:    c.FrameCounter,
	}
	if e.CommMode == CommModePrecommissionedGroup && s.cfg.Group != 0 {
		e.Groups = []GroupAlias{{Group: s.cfg.Group, Alias: noAlias}}
	}
	if x := p.Ext; x != nil {
		if x.Key != nil {
			e.Security = &SecurityOptions{Level: x.SecurityLevel, KeyType: x.KeyType}
			e.Key = *x.Key
			if x.KeyMIC != nil {
				s.logger.Warn("gpd key is encrypted, stored as received", "gpd", c.GPD)
			}
		}
		if x.OutgoingCounter != nil {
			e.FrameCounter = *x.OutgoingCounter
		}
	}

	if err := s.table.Upsert(e); err != nil {
		s.logger.Warn("commission gpd", "gpd", c.GPD, "err", err)
		return zcl.StatusOf(err)
	}
	s.syncAttribute()
	s.sendPairings(ctx, e, ActionExtendEntry)

	s.logger.Info("gpd commissioned", "gpd", e.GPD, "device", e.DeviceID, "mode", e.CommMode)
	data := map[string]any{
		"gpd":       e.GPD.String(),
		"device_id": e.DeviceID,
		"comm_mode": e.CommMode.String(),
		"security":  e.Security != nil,
	}
	if p.ManufacturerID != nil {
		data["manufacturer_id"] = *p.ManufacturerID
	}
	if p.ModelID != nil {
		data["model_id"] = *p.ModelID
	}
	s.emit(EventCommissioned, data)

	if uint8(s.attrUint(AttrCommissioningExitMode, uint64(ExitOnFirstPairing)))&ExitOnFirstPairing != 0 {
		if err := s.ExitCommissioning(ctx); err != nil {
			s.logger.Warn("exit commissioning", "err", err)
		}
	}
	return zcl.StatusSuccess
}

// pairings returns the GP Pairing commands announcing action on e to the
// proxies. Precommissioned group entries get one command per group.
func (s *Sink) pairings(e SinkEntry, action PairingAction) []*Pairing {
	base := Pairing{GPD: e.GPD, CommMode: e.CommMode}
	switch action {
	case ActionRemoveGPD:
		base.RemoveGPD = true
		return []*Pairing{&base}
	case ActionExtendEntry, ActionReplaceEntry:
		base.AddSink = true
		base.GPDFixed = e.FixedLocation
		base.SeqNumCap = e.SeqNumCap
		base.DeviceID = e.DeviceID
		base.Alias = e.Alias
		if e.Security != nil {
			base.SecurityLevel = e.Security.Level
			base.SecurityKeyType = e.Security.KeyType
			key := e.Key
			base.Key = &key
		}
		if e.TracksCounter() {
			fc := e.FrameCounter
			base.FrameCounter = &fc
		}
		if e.GroupcastRadius != noGroupcastRadius {
			radius := e.GroupcastRadius
			base.GroupcastRadius = &radius
		}
	}

	switch e.CommMode {
	case CommModeFullUnicast, CommModeLightweightUnicast:
		base.SinkIEEE = s.cfg.IEEE
		base.SinkNwk = s.cfg.ShortAddr
	case CommModeDerivedGroup:
		base.SinkGroup = DerivedAlias(e.GPD)
	case CommModePrecommissionedGroup:
		out := make([]*Pairing, 0, len(e.Groups))
		for _, g := range e.Groups {
			p := base
			p.SinkGroup = g.Group
			if base.AddSink && g.Alias != noAlias {
				alias := g.Alias
				p.Alias = &alias
			}
			out = append(out, &p)
		}
		return out
	}
	return []*Pairing{&base}
}

func (s *Sink) sendPairings(ctx context.Context, e SinkEntry, action PairingAction) {
	for _, p := range s.pairings(e, action) {
		if st := s.toProxies(ctx, p); st != zcl.StatusSuccess {
			s.logger.Warn("gp pairing not sent", "gpd", e.GPD, "status", st)
		}
	}
}

func (s *Sink) onSinkCommissioningMode(req *zcl.Request, c *SinkCommissioningMode) zcl.Status {
	if c.SinkEndpoint != s.cfg.Endpoint && c.SinkEndpoint != anySinkEndpoint {
		s.logger.Debug("sink commissioning mode for other endpoint", "endpoint", c.SinkEndpoint)
		return zcl.StatusSuccess
	}
	var err error
	if c.Enter {
		err = s.enter(req.Ctx, 0, c.InvolveProxies)
	} else {
		err = s.ExitCommissioning(req.Ctx)
	}
	if err != nil {
		s.logger.Warn("sink commissioning mode", "enter", c.Enter, "err", err)
		return zcl.StatusOf(err)
	}
	return zcl.StatusSuccess
}

// entryFromConfig builds the sink entry a Pairing Configuration describes.
func entryFromConfig(c *PairingConfiguration) SinkEntry {
	e := SinkEntry{
		GPD:             c.GPD,
		CommMode:        c.CommMode,
		SeqNumCap:       c.SeqNumCap,
		RxOnCap:         c.RxOnCap,
		FixedLocation:   c.FixedLocation,
		DeviceID:        c.DeviceID,
		Groups:          c.Groups,
		Alias:           c.Alias,
		GroupcastRadius: c.GroupcastRadius,
		FrameCounter:    c.FrameCounter,
	}
	if c.Security != nil {
		sec := *c.Security
		e.Security = &sec
		e.Key = c.Key
	}
	return e
}

// mergeGroups adds the groups of add to groups, skipping known ones.
func mergeGroups(groups, add []GroupAlias) []GroupAlias {
	out := append([]GroupAlias(nil), groups...)
	for _, g := range add {
		known := false
		for _, have := range out {
			if have.Group == g.Group {
				known = true
				break
			}
		}
		if !known {
			out = append(out, g)
		}
	}
	return out
}

func (s *Sink) onPairingConfiguration(req *zcl.Request, c *PairingConfiguration) zcl.Status {
	existing, found := s.table.Lookup(c.GPD)
	switch c.Action {
	case ActionNone:
		if found && c.SendPairing {
			s.sendPairings(req.Ctx, existing, ActionExtendEntry)
		}
	case ActionExtendEntry, ActionReplaceEntry:
		e := entryFromConfig(c)
		if c.Action == ActionExtendEntry && found {
			e.Groups = mergeGroups(existing.Groups, e.Groups)
		}
		if err := s.table.Upsert(e); err != nil {
			s.logger.Warn("pairing configuration", "gpd", c.GPD, "err", err)
			return zcl.StatusOf(err)
		}
		s.syncAttribute()
		if c.SendPairing {
			s.sendPairings(req.Ctx, e, c.Action)
		}
		s.logger.Info("gpd configured", "gpd", e.GPD, "action", c.Action, "device", e.DeviceID)
		s.emit(EventCommissioned, map[string]any{
			"gpd":       e.GPD.String(),
			"device_id": e.DeviceID,
			"comm_mode": e.CommMode.String(),
			"security":  e.Security != nil,
		})
	case ActionRemovePairing, ActionRemoveGPD:
		if !found {
			return zcl.StatusSuccess
		}
		if err := s.removeEntry(req.Ctx, existing, c.Action, c.SendPairing); err != nil {
			s.logger.Warn("pairing configuration", "gpd", c.GPD, "err", err)
			return zcl.StatusOf(err)
		}
	case ActionApplicationDescription:
		s.emit(EventCommand, map[string]any{
			"command":           c.CommandID(),
			"gpd":               c.GPD.String(),
			"report_descriptor": hex.EncodeToString(c.ReportDescriptor),
		})
	default:
		return zcl.StatusInvalidField
	}
	return zcl.StatusSuccess
}

func (s *Sink) onSinkTableRequest(req *zcl.Request, c *SinkTableRequest) zcl.Status {
	entries := s.table.Entries()
	resp := &SinkTableResponse{TableResponse{Total: uint8(min(len(entries), 0xFF))}}

	if c.GPD != nil {
		resp.StartIndex = 0xFF
		resp.Status = zcl.StatusNotFound
		for i := range entries {
			if entries[i].GPD == c.GPD {
				resp.Status = zcl.StatusSuccess
				resp.Count = 1
				resp.Entries = zcl.Marshal(&entries[i])
				break
			}
		}
		return req.Reply(CmdSinkTableResponse, resp)
	}

	resp.StartIndex = c.Index
	if int(c.Index) >= len(entries) {
		resp.Status = zcl.StatusNotFound
		return req.Reply(CmdSinkTableResponse, resp)
	}
	var buf []byte
	for i := int(c.Index); i < len(entries); i++ {
		b := zcl.Marshal(&entries[i])
		if resp.Count > 0 && len(buf)+len(b) > maxEntriesBytes {
			break
		}
		buf = append(buf, b...)
		resp.Count++
	}
	resp.Entries = buf
	return req.Reply(CmdSinkTableResponse, resp)
}

// translationEntries lists the translations that apply to the paired GPDs.
func (s *Sink) translationEntries() []TranslationEntry {
	var out []TranslationEntry
	for _, e := range s.table.Entries() {
		for _, tr := range s.trans.ForDevice(e.DeviceID) {
			out = append(out, TranslationEntry{
				GPD:         e.GPD,
				Translation: tr,
				Endpoint:    s.cfg.AppEndpoint,
				ProfileID:   zcl.ProfileHA,
			})
		}
	}
	return out
}

func (s *Sink) onTranslationTableRequest(req *zcl.Request, c *TranslationTableRequest) zcl.Status {
	rows := s.translationEntries()
	resp := &TranslationTableResponse{
		Total:      uint8(min(len(rows), 0xFF)),
		StartIndex: c.StartIndex,
	}
	if len(rows) > 0 && int(c.StartIndex) >= len(rows) {
		resp.Status = zcl.StatusNotFound
		return req.Reply(CmdTranslationTableResponse, resp)
	}
	var buf []byte
	for i := int(c.StartIndex); i < len(rows); i++ {
		// one application ID per response
		if resp.Count > 0 && appOf(rows[i].GPD) != resp.AppID {
			break
		}
		b := zcl.Marshal(&rows[i])
		if resp.Count > 0 && len(buf)+len(b) > maxEntriesBytes {
			break
		}
		resp.AppID = appOf(rows[i].GPD)
		buf = append(buf, b...)
		resp.Count++
	}
	resp.Entries = buf
	return req.Reply(CmdTranslationTableResponse, resp)
}

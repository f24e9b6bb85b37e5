package zcl

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Profile IDs
const (
	ProfileHA uint16 = 0x0104
	ProfileGP uint16 = 0xA1E0
)

// Cluster IDs the dispatch engine itself looks at.
const (
	ClusterBasic    uint16 = 0x0000
	ClusterIdentify uint16 = 0x0003
)

// AttrBasicDeviceEnabled is the Basic cluster DeviceEnabled attribute.
const AttrBasicDeviceEnabled uint16 = 0x0012

// AddrMode selects how a Destination is addressed.
type AddrMode uint8

const (
	AddrModeGroup AddrMode = 0x01
	AddrModeShort AddrMode = 0x02
	AddrModeIEEE  AddrMode = 0x03
)

// Broadcast short addresses
const (
	BroadcastAll    uint16 = 0xFFFF
	BroadcastRxOn   uint16 = 0xFFFD
	BroadcastRouter uint16 = 0xFFFC
)

// Destination addresses an outgoing frame.
type Destination struct {
	Mode      AddrMode `json:"mode"`
	ShortAddr uint16   `json:"short_addr,omitempty"`
	GroupID   uint16   `json:"group_id,omitempty"`
	IEEE      IEEEAddr `json:"ieee,omitempty"`
	Endpoint  uint8    `json:"endpoint,omitempty"`
	Radius    uint8    `json:"radius,omitempty"`
}

// IsUnicast reports whether the destination is a single device.
func (d Destination) IsUnicast() bool {
	switch d.Mode {
	case AddrModeGroup:
		return false
	case AddrModeShort:
		return d.ShortAddr < 0xFFF8
	}
	return true
}

// OutgoingFrame is what the stack hands to the Sender. Data is owned by the
// buffer pool and is only valid during SendFrame.
type OutgoingFrame struct {
	Dst          Destination
	SrcEndpoint  uint8
	ProfileID    uint16
	ClusterID    uint16
	AckRequested bool
	Data         []byte
}

// Sender is the send-frame collaborator.
type Sender interface {
	SendFrame(ctx context.Context, f OutgoingFrame) error
}

// IncomingFrame is one received ZCL frame with its addressing.
type IncomingFrame struct {
	SrcAddr         uint16
	SrcIEEE         IEEEAddr
	SrcEndpoint     uint8
	DstEndpoint     uint8
	ProfileID       uint16
	ClusterID       uint16
	Broadcast       bool
	SecurityApplied bool
	LQI             uint8
	RSSI            int8
	Header          Header
	Payload         []byte
}

// ReplyTo returns the unicast destination of the frame's sender.
func (f *IncomingFrame) ReplyTo() Destination {
	return Destination{Mode: AddrModeShort, ShortAddr: f.SrcAddr, Endpoint: f.SrcEndpoint}
}

// Command is an outgoing ZCL command.
type Command struct {
	Dst         Destination
	SrcEndpoint uint8
	ProfileID   uint16 // zero selects the stack default
	ClusterID   uint16
	Header      Header
	Payload     Encoder
}

func (c *Command) Encode(w *Writer) {
	c.Header.Encode(w)
	if c.Payload != nil {
		c.Payload.Encode(w)
	}
}

// Request is the context a Processor receives for one frame.
type Request struct {
	Ctx          context.Context
	Frame        *IncomingFrame
	Registration *Registration
	Stack        *Stack
}

// Reply sends a cluster-specific command back to the originator in the
// opposite direction with the same sequence number. It returns
// StatusCmdHasResponse once the reply is sent.
func (r *Request) Reply(commandID uint8, payload Encoder) Status {
	h := r.Frame.Header
	cmd := Command{
		Dst:         r.Frame.ReplyTo(),
		SrcEndpoint: r.Frame.DstEndpoint,
		ProfileID:   r.Frame.ProfileID,
		ClusterID:   r.Frame.ClusterID,
		Header: Header{
			FrameType:              FrameTypeCluster,
			ManufacturerSpecific:   h.ManufacturerSpecific,
			ManufacturerCode:       h.ManufacturerCode,
			Direction:              h.Direction.Reverse(),
			DisableDefaultResponse: true,
			Sequence:               h.Sequence,
			CommandID:              commandID,
		},
		Payload: payload,
	}
	if st := r.Stack.Send(r.Ctx, cmd); st != StatusSuccess {
		return st
	}
	return StatusCmdHasResponse
}

// StackConfig holds the collaborators of a Stack.
type StackConfig struct {
	Attributes AttributeStore
	Pool       BufferPool
	Sender     Sender
	Scheduler  Scheduler
	Policy     PolicyStore
	Catalog    *Catalog
	ProfileID  uint16
	// OnFoundation receives decoded inbound foundation responses and reports.
	OnFoundation func(f *IncomingFrame, msg any)
	Logger       *slog.Logger
}

// Stack is one ZCL stack instance: registrations, access policy and the
// collaborators used to answer and send frames.
type Stack struct {
	registry     *Registry
	attrs        AttributeStore
	pool         BufferPool
	sender       Sender
	sched        Scheduler
	policy       *Policy
	catalog      *Catalog
	profileID    uint16
	onFoundation func(f *IncomingFrame, msg any)
	logger       *slog.Logger
	seq          atomic.Uint32
}

// NewStack creates a stack and restores its access policy.
func NewStack(cfg StackConfig) *Stack {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "zcl")
	if cfg.Attributes == nil {
		cfg.Attributes = NewMemoryStore()
	}
	if cfg.ProfileID == 0 {
		cfg.ProfileID = ProfileHA
	}
	if cfg.Catalog == nil {
		cfg.Catalog = NewCatalog(logger)
	}
	return &Stack{
		registry:     NewRegistry(logger),
		attrs:        cfg.Attributes,
		pool:         cfg.Pool,
		sender:       cfg.Sender,
		sched:        cfg.Scheduler,
		policy:       NewPolicy(cfg.Policy, logger),
		catalog:      cfg.Catalog,
		profileID:    cfg.ProfileID,
		onFoundation: cfg.OnFoundation,
		logger:       logger,
	}
}

func (s *Stack) Registry() *Registry { return s.registry }
func (s *Stack) Attributes() AttributeStore { return s.attrs }
func (s *Stack) Policy() *Policy { return s.policy }
func (s *Stack) Scheduler() Scheduler { return s.sched }
func (s *Stack) Pool() BufferPool { return s.pool }
func (s *Stack) Catalog() *Catalog { return s.catalog }
func (s *Stack) Logger() *slog.Logger { return s.logger }
func (s *Stack) DefaultProfileID() uint16 { return s.profileID }

// NextSequence returns the next transaction sequence number.
func (s *Stack) NextSequence() uint8 {
	return uint8(s.seq.Add(1))
}

// Register adds a cluster registration and seeds its attribute defaults.
func (s *Stack) Register(reg Registration) error {
	if err := s.registry.Register(reg); err != nil {
		return err
	}
	if seeder, ok := s.attrs.(AttributeSeeder); ok {
		seeder.Define(reg.Endpoint, reg.ClusterID, reg.Attributes)
	}
	s.logger.Info("cluster registered", "endpoint", reg.Endpoint,
		"cluster", s.catalog.Name(reg.ClusterID))
	return nil
}

// ClusterCommand builds a cluster-specific command with a fresh sequence
// number and default responses disabled.
func (s *Stack) ClusterCommand(dst Destination, srcEndpoint uint8, clusterID uint16, dir Direction, commandID uint8, payload Encoder) Command {
	return Command{
		Dst:         dst,
		SrcEndpoint: srcEndpoint,
		ClusterID:   clusterID,
		Header: Header{
			FrameType:              FrameTypeCluster,
			Direction:              dir,
			DisableDefaultResponse: true,
			Sequence:               s.NextSequence(),
			CommandID:              commandID,
		},
		Payload: payload,
	}
}

// Send encodes cmd into one pool buffer of the exact size and hands it to
// the Sender. The buffer is released on every path.
func (s *Stack) Send(ctx context.Context, cmd Command) Status {
	if s.pool == nil || s.sender == nil {
		return StatusFailure
	}
	buf, err := MarshalPooled(s.pool, &cmd)
	if err != nil {
		s.logger.Warn("encode command", "cluster", s.catalog.Name(cmd.ClusterID),
			"cmd", fmt.Sprintf("0x%02X", cmd.Header.CommandID), "err", err)
		return StatusOf(err)
	}
	defer s.pool.Free(buf)

	if cmd.ProfileID == 0 {
		cmd.ProfileID = s.profileID
	}
	out := OutgoingFrame{
		Dst:          cmd.Dst,
		SrcEndpoint:  cmd.SrcEndpoint,
		ProfileID:    cmd.ProfileID,
		ClusterID:    cmd.ClusterID,
		AckRequested: cmd.Dst.IsUnicast() && s.policy.AckRequired(cmd.ClusterID),
		Data:         buf,
	}
	if err := s.sender.SendFrame(ctx, out); err != nil {
		s.logger.Warn("send frame", "cluster", s.catalog.Name(cmd.ClusterID),
			"cmd", fmt.Sprintf("0x%02X", cmd.Header.CommandID), "err", err)
		return StatusOf(err)
	}
	return StatusSuccess
}

// Receive parses a raw frame and dispatches it. Frames too short to hold a
// header are dropped.
func (s *Stack) Receive(ctx context.Context, f *IncomingFrame, raw []byte) Status {
	h, payload, err := ParseHeader(raw)
	if err != nil {
		s.logger.Debug("frame dropped", "src", fmt.Sprintf("0x%04X", f.SrcAddr), "len", len(raw), "err", err)
		return StatusMalformedCommand
	}
	f.Header = h
	f.Payload = payload
	return s.Dispatch(ctx, f)
}

// Dispatch routes one parsed frame to the foundation handler or the
// registered cluster processor, then sends a default response when one is
// due. It returns the final status.
func (s *Stack) Dispatch(ctx context.Context, f *IncomingFrame) Status {
	h := f.Header
	s.logger.Debug("frame received",
		"src", fmt.Sprintf("0x%04X", f.SrcAddr), "ep", f.DstEndpoint,
		"cluster", s.catalog.Name(f.ClusterID), "cmd", fmt.Sprintf("0x%02X", h.CommandID),
		"type", h.FrameType, "dir", h.Direction, "seq", h.Sequence)

	status := StatusSuccess
	if !s.policy.Accept(f.ClusterID, f.SecurityApplied) {
		status = StatusNotAuthorized
	}

	if !s.deviceEnabled(f) {
		s.logger.Debug("device disabled, frame dropped", "ep", f.DstEndpoint, "cluster", s.catalog.Name(f.ClusterID))
		return StatusFailure
	}

	if status == StatusSuccess {
		switch h.FrameType {
		case FrameTypeProfile:
			status = s.handleFoundation(ctx, f)
			switch status {
			case StatusSuccess, StatusUnsupGeneralCommand, StatusUnsupManuGeneralCommand, StatusCmdHasResponse:
			default:
				status = StatusFailure
			}
		default:
			status = s.handleCluster(ctx, f)
		}
	}

	if (!h.DisableDefaultResponse || status != StatusSuccess) && !f.Broadcast && status != StatusCmdHasResponse {
		s.sendDefaultResponse(ctx, f, status)
	}
	return status
}

func (s *Stack) handleCluster(ctx context.Context, f *IncomingFrame) Status {
	h := f.Header
	reg, ok := s.registry.Lookup(f.DstEndpoint, f.ClusterID)
	if !ok || (h.ManufacturerCode != 0 && reg.ManufacturerCode != h.ManufacturerCode) {
		if h.ManufacturerCode != 0 {
			return StatusUnsupManuClusterCommand
		}
		return StatusUnsupClusterCommand
	}
	if reg.Processor == nil {
		return StatusUnsupClusterCommand
	}
	req := &Request{Ctx: ctx, Frame: f, Registration: reg, Stack: s}
	if h.Direction == ClientToServer {
		return reg.Processor.HandleClientCommand(req)
	}
	return reg.Processor.HandleServerCommand(req)
}

// deviceEnabled applies the Basic DeviceEnabled gate: a disabled endpoint
// only takes Read and Write Attributes and Identify traffic.
func (s *Stack) deviceEnabled(f *IncomingFrame) bool {
	v, err := s.attrs.Get(f.DstEndpoint, ClusterBasic, AttrBasicDeviceEnabled)
	if err != nil {
		return true
	}
	if enabled, ok := v.(bool); !ok || enabled {
		return true
	}
	if f.ClusterID == ClusterIdentify || f.Header.FrameType != FrameTypeProfile {
		return true
	}
	return f.Header.CommandID == FoundationReadAttributes || f.Header.CommandID == FoundationWriteAttributes
}

type defaultResponse struct {
	commandID uint8
	status    Status
}

func (d defaultResponse) Encode(w *Writer) {
	w.Uint8(d.commandID)
	w.Uint8(uint8(d.status))
}

func (s *Stack) sendDefaultResponse(ctx context.Context, f *IncomingFrame, status Status) {
	h := f.Header
	st := s.Send(ctx, Command{
		Dst:         f.ReplyTo(),
		SrcEndpoint: f.DstEndpoint,
		ProfileID:   f.ProfileID,
		ClusterID:   f.ClusterID,
		Header: Header{
			FrameType:              FrameTypeProfile,
			ManufacturerSpecific:   h.ManufacturerSpecific,
			ManufacturerCode:       h.ManufacturerCode,
			Direction:              h.Direction.Reverse(),
			DisableDefaultResponse: true,
			Sequence:               h.Sequence,
			CommandID:              FoundationDefaultResponse,
		},
		Payload: defaultResponse{commandID: h.CommandID, status: status},
	})
	if st != StatusSuccess {
		s.logger.Warn("default response not sent", "cluster", s.catalog.Name(f.ClusterID), "status", st)
	}
}

package zcl

import (
	"context"
	"fmt"
	"sort"
)

// Foundation ZCL command IDs (global, not cluster-specific).
const (
	FoundationReadAttributes         uint8 = 0x00
	FoundationReadAttributesResponse uint8 = 0x01
	FoundationWriteAttributes        uint8 = 0x02
	FoundationWriteAttributesUndiv   uint8 = 0x03
	FoundationWriteAttributesResp    uint8 = 0x04
	FoundationWriteAttributesNoResp  uint8 = 0x05
	FoundationConfigReporting        uint8 = 0x06
	FoundationConfigReportingResp    uint8 = 0x07
	FoundationReadReportingConfig    uint8 = 0x08
	FoundationReportAttributes       uint8 = 0x0A
	FoundationDefaultResponse        uint8 = 0x0B
	FoundationDiscoverAttributes     uint8 = 0x0C
	FoundationDiscoverAttributesResp uint8 = 0x0D
)

// AttributeRecord is one attribute of a read response, write response or
// report. Type and Value are set only when Status is Success (reports always
// carry them).
type AttributeRecord struct {
	ID     uint16 `json:"id"`
	Status Status `json:"status"`
	Type   uint8  `json:"type,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// ReadAttributesResponse is a decoded inbound Read Attributes Response.
type ReadAttributesResponse struct{ Records []AttributeRecord }

// WriteAttributesResponse is a decoded inbound Write Attributes Response.
// A single Success record means every write succeeded.
type WriteAttributesResponse struct{ Records []AttributeRecord }

// ReportAttributes is a decoded inbound attribute report.
type ReportAttributes struct{ Records []AttributeRecord }

// DefaultResponse is a decoded inbound Default Response.
type DefaultResponse struct {
	CommandID uint8
	Status    Status
}

func (s *Stack) handleFoundation(ctx context.Context, f *IncomingFrame) Status {
	switch f.Header.CommandID {
	case FoundationReadAttributes:
		return s.handleRead(ctx, f)
	case FoundationWriteAttributes, FoundationWriteAttributesNoResp:
		return s.handleWrite(ctx, f)
	case FoundationWriteAttributesUndiv:
		return s.handleWriteUndivided(ctx, f)
	case FoundationDiscoverAttributes:
		return s.handleDiscover(ctx, f)
	case FoundationReadAttributesResponse:
		msg, err := parseReadResponse(f.Payload)
		return s.notifyFoundation(f, msg, err)
	case FoundationWriteAttributesResp:
		msg, err := parseWriteResponse(f.Payload)
		return s.notifyFoundation(f, msg, err)
	case FoundationReportAttributes:
		msg, err := parseReport(f.Payload)
		return s.notifyFoundation(f, msg, err)
	case FoundationDefaultResponse:
		r := NewReader(f.Payload)
		msg := &DefaultResponse{CommandID: r.Uint8(), Status: Status(r.Uint8())}
		if r.Err() != nil {
			return StatusMalformedCommand
		}
		return s.notifyFoundation(f, msg, nil)
	}
	if f.Header.ManufacturerCode != 0 {
		return StatusUnsupManuGeneralCommand
	}
	return StatusUnsupGeneralCommand
}

func (s *Stack) notifyFoundation(f *IncomingFrame, msg any, err error) Status {
	if err != nil {
		s.logger.Debug("foundation command malformed", "cmd", fmt.Sprintf("0x%02X", f.Header.CommandID), "err", err)
		return StatusMalformedCommand
	}
	if s.onFoundation != nil {
		s.onFoundation(f, msg)
	}
	return StatusSuccess
}

// replyFoundation sends a profile-wide response to f.
func (s *Stack) replyFoundation(ctx context.Context, f *IncomingFrame, commandID uint8, payload Encoder) Status {
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
			CommandID:              commandID,
		},
		Payload: payload,
	})
	if st != StatusSuccess {
		return st
	}
	return StatusCmdHasResponse
}

func (s *Stack) attributeDef(f *IncomingFrame, id uint16) *AttributeDef {
	reg, ok := s.registry.Lookup(f.DstEndpoint, f.ClusterID)
	if !ok {
		return nil
	}
	return reg.FindAttribute(id)
}

// readRecord is an encoded attribute for a read response.
type readRecord struct {
	id     uint16
	status Status
	typ    uint8
	value  []byte
}

type readRecords []readRecord

func (rs readRecords) Encode(w *Writer) {
	for _, rec := range rs {
		w.Uint16(rec.id)
		w.Uint8(uint8(rec.status))
		if rec.status == StatusSuccess {
			w.Uint8(rec.typ)
			w.Bytes(rec.value)
		}
	}
}

func (s *Stack) handleRead(ctx context.Context, f *IncomingFrame) Status {
	r := NewReader(f.Payload)
	n := r.Len() / 2
	recs := make(readRecords, 0, n)
	for i := 0; i < n; i++ {
		id := r.Uint16()
		rec := readRecord{id: id, status: StatusSuccess}
		def := s.attributeDef(f, id)
		switch {
		case def == nil:
			rec.status = StatusUnsupportedAttribute
		case !def.IsReadable():
			rec.status = StatusWriteOnly
		default:
			v, err := s.attrs.Get(f.DstEndpoint, f.ClusterID, id)
			if err != nil {
				rec.status = StatusUnsupportedAttribute
				break
			}
			b, err := EncodeValue(def.Type, v)
			if err != nil {
				s.logger.Warn("attribute value does not fit its type", "cluster", s.catalog.Name(f.ClusterID),
					"attr", fmt.Sprintf("0x%04X", id), "err", err)
				rec.status = StatusFailure
				break
			}
			rec.typ = def.Type
			rec.value = b
		}
		recs = append(recs, rec)
	}
	return s.replyFoundation(ctx, f, FoundationReadAttributesResponse, recs)
}

type writeRecord struct {
	id    uint16
	typ   uint8
	value any
}

func parseWriteRecords(b []byte) ([]writeRecord, error) {
	r := NewReader(b)
	var recs []writeRecord
	for r.Len() > 0 {
		rec := writeRecord{id: r.Uint16(), typ: r.Uint8()}
		rec.value = ReadValue(r, rec.typ)
		if r.Err() != nil {
			break
		}
		recs = append(recs, rec)
	}
	return recs, r.Err()
}

// checkWrite validates one write record against the registration.
func (s *Stack) checkWrite(f *IncomingFrame, rec writeRecord) Status {
	def := s.attributeDef(f, rec.id)
	switch {
	case def == nil:
		return StatusUnsupportedAttribute
	case def.Type != rec.typ:
		return StatusInvalidDataType
	case !def.IsWritable():
		return StatusReadOnly
	}
	return StatusSuccess
}

func (s *Stack) applyWrite(f *IncomingFrame, rec writeRecord) Status {
	if st := s.checkWrite(f, rec); st != StatusSuccess {
		return st
	}
	if err := s.attrs.Set(f.DstEndpoint, f.ClusterID, rec.id, rec.value); err != nil {
		return StatusOf(err)
	}
	s.logger.Debug("attribute written", "ep", f.DstEndpoint, "cluster", s.catalog.Name(f.ClusterID),
		"attr", fmt.Sprintf("0x%04X", rec.id), "value", rec.value)
	return StatusSuccess
}

type writeStatuses []AttributeRecord

func (ws writeStatuses) Encode(w *Writer) {
	if len(ws) == 0 {
		w.Uint8(uint8(StatusSuccess))
		return
	}
	for _, rec := range ws {
		w.Uint8(uint8(rec.Status))
		w.Uint16(rec.ID)
	}
}

func (s *Stack) handleWrite(ctx context.Context, f *IncomingFrame) Status {
	recs, err := parseWriteRecords(f.Payload)
	if err != nil {
		return StatusMalformedCommand
	}
	var failed writeStatuses
	for _, rec := range recs {
		if st := s.applyWrite(f, rec); st != StatusSuccess {
			failed = append(failed, AttributeRecord{ID: rec.id, Status: st})
		}
	}
	if f.Header.CommandID == FoundationWriteAttributesNoResp {
		return StatusCmdHasResponse
	}
	return s.replyFoundation(ctx, f, FoundationWriteAttributesResp, failed)
}

func (s *Stack) handleWriteUndivided(ctx context.Context, f *IncomingFrame) Status {
	recs, err := parseWriteRecords(f.Payload)
	if err != nil {
		return StatusMalformedCommand
	}
	all := make(writeStatuses, 0, len(recs))
	ok := true
	for _, rec := range recs {
		st := s.checkWrite(f, rec)
		if st != StatusSuccess {
			ok = false
		}
		all = append(all, AttributeRecord{ID: rec.id, Status: st})
	}
	if ok {
		for _, rec := range recs {
			s.applyWrite(f, rec)
		}
		all = nil
	}
	return s.replyFoundation(ctx, f, FoundationWriteAttributesResp, all)
}

type discoverResponse struct {
	complete bool
	attrs    []AttributeDef
}

func (d discoverResponse) Encode(w *Writer) {
	if d.complete {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
	for _, a := range d.attrs {
		w.Uint16(a.ID)
		w.Uint8(a.Type)
	}
}

func (s *Stack) handleDiscover(ctx context.Context, f *IncomingFrame) Status {
	r := NewReader(f.Payload)
	start := r.Uint16()
	limit := int(r.Uint8())
	if r.Err() != nil {
		return StatusMalformedCommand
	}
	var candidates []AttributeDef
	if reg, ok := s.registry.Lookup(f.DstEndpoint, f.ClusterID); ok {
		for _, a := range reg.Attributes {
			if a.ID >= start {
				candidates = append(candidates, a)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	rsp := discoverResponse{complete: len(candidates) <= limit, attrs: candidates}
	if len(candidates) > limit {
		rsp.attrs = candidates[:limit]
	}
	return s.replyFoundation(ctx, f, FoundationDiscoverAttributesResp, rsp)
}

func parseReadResponse(b []byte) (any, error) {
	r := NewReader(b)
	var recs []AttributeRecord
	for r.Len() > 0 {
		rec := AttributeRecord{ID: r.Uint16(), Status: Status(r.Uint8())}
		if rec.Status == StatusSuccess {
			rec.Type = r.Uint8()
			rec.Value = ReadValue(r, rec.Type)
		}
		if r.Err() != nil {
			return nil, r.Err()
		}
		recs = append(recs, rec)
	}
	return &ReadAttributesResponse{Records: recs}, nil
}

func parseWriteResponse(b []byte) (any, error) {
	r := NewReader(b)
	if r.Len() == 1 {
		return &WriteAttributesResponse{Records: []AttributeRecord{{Status: Status(r.Uint8())}}}, nil
	}
	var recs []AttributeRecord
	for r.Len() > 0 {
		rec := AttributeRecord{Status: Status(r.Uint8()), ID: r.Uint16()}
		if r.Err() != nil {
			return nil, r.Err()
		}
		recs = append(recs, rec)
	}
	return &WriteAttributesResponse{Records: recs}, nil
}

func parseReport(b []byte) (any, error) {
	r := NewReader(b)
	var recs []AttributeRecord
	for r.Len() > 0 {
		rec := AttributeRecord{ID: r.Uint16(), Type: r.Uint8()}
		rec.Value = ReadValue(r, rec.Type)
		if r.Err() != nil {
			return nil, r.Err()
		}
		recs = append(recs, rec)
	}
	return &ReportAttributes{Records: recs}, nil
}

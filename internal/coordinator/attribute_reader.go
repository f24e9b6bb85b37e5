package coordinator

import (
	"context"
	"fmt"
	"time"

	"zigbee-zcl/internal/zcl"
)

// Basic cluster attributes set from the node config.
const (
	attrManufacturerName uint16 = 0x0004
	attrModelIdentifier  uint16 = 0x0005
)

const readTimeout = 10 * time.Second

// AttributeResult holds a decoded attribute read result.
type AttributeResult struct {
	AttrID   uint16 `json:"attr_id"`
	AttrName string `json:"attr_name"`
	TypeID   uint8  `json:"type_id"`
	TypeName string `json:"type_name"`
	Value    any    `json:"value"`
	Status   uint8  `json:"status"`
	Error    string `json:"error,omitempty"`
}

type readKey struct {
	addr uint16
	seq  uint8
}

type attrIDList []uint16

func (l attrIDList) Encode(w *zcl.Writer) {
	for _, id := range l {
		w.Uint16(id)
	}
}

type writeRecord struct {
	attrID uint16
	typeID uint8
	value  []byte
}

func (r *writeRecord) Encode(w *zcl.Writer) {
	w.Uint16(r.attrID)
	w.Uint8(r.typeID)
	w.Bytes(r.value)
}

func profileCommand(dst zcl.Destination, srcEndpoint uint8, clusterID uint16, seq, commandID uint8, payload zcl.Encoder) zcl.Command {
	return zcl.Command{
		Dst:         dst,
		SrcEndpoint: srcEndpoint,
		ClusterID:   clusterID,
		Header: zcl.Header{
			FrameType: zcl.FrameTypeProfile,
			Direction: zcl.ClientToServer,
			Sequence:  seq,
			CommandID: commandID,
		},
		Payload: payload,
	}
}

// send runs cmd through the stack on the event loop.
func (c *Coordinator) send(ctx context.Context, cmd zcl.Command) error {
	st := zcl.StatusFailure
	if err := c.Do(ctx, func(ctx context.Context) { st = c.stack.Send(ctx, cmd) }); err != nil {
		return err
	}
	if st != zcl.StatusSuccess {
		return st
	}
	return nil
}

// ReadAttributes reads attributes from a device endpoint and waits for the
// response.
func (c *Coordinator) ReadAttributes(ctx context.Context, dst zcl.Destination, clusterID uint16, attrIDs []uint16) ([]AttributeResult, error) {
	if dst.Mode != zcl.AddrModeShort || !dst.IsUnicast() {
		return nil, fmt.Errorf("read attributes: destination must be a unicast short address")
	}
	seq := c.stack.NextSequence()
	key := readKey{addr: dst.ShortAddr, seq: seq}
	ch := make(chan *zcl.ReadAttributesResponse, 1)
	c.readsMu.Lock()
	c.reads[key] = ch
	c.readsMu.Unlock()
	defer func() {
		c.readsMu.Lock()
		delete(c.reads, key)
		c.readsMu.Unlock()
	}()

	cmd := profileCommand(dst, c.config.AppEndpoint, clusterID, seq, zcl.FoundationReadAttributes, attrIDList(attrIDs))
	if err := c.send(ctx, cmd); err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}

	timer := time.NewTimer(readTimeout)
	defer timer.Stop()
	var rsp *zcl.ReadAttributesResponse
	select {
	case rsp = <-ch:
	case <-timer.C:
		return nil, fmt.Errorf("read attributes: %w", zcl.StatusTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	cluster, known := c.stack.Catalog().Get(clusterID)
	results := make([]AttributeResult, 0, len(rsp.Records))
	for _, r := range rsp.Records {
		result := AttributeResult{
			AttrID: r.ID,
			Status: uint8(r.Status),
		}
		if known {
			if attr := cluster.FindAttribute(r.ID); attr != nil {
				result.AttrName = attr.Name
			}
		}
		if result.AttrName == "" {
			result.AttrName = fmt.Sprintf("0x%04X", r.ID)
		}
		if r.Status != zcl.StatusSuccess {
			result.Error = r.Status.String()
		} else {
			result.TypeID = r.Type
			result.TypeName = zcl.TypeName(r.Type)
			result.Value = r.Value
		}
		results = append(results, result)
	}
	return results, nil
}

func (c *Coordinator) completeRead(f *zcl.IncomingFrame, rsp *zcl.ReadAttributesResponse) {
	key := readKey{addr: f.SrcAddr, seq: f.Header.Sequence}
	c.readsMu.Lock()
	ch, ok := c.reads[key]
	c.readsMu.Unlock()
	if !ok {
		c.logger.Debug("unsolicited read attributes response", "src", fmt.Sprintf("0x%04X", f.SrcAddr), "seq", f.Header.Sequence)
		return
	}
	select {
	case ch <- rsp:
	default:
	}
}

// WriteAttribute writes a single attribute value.
func (c *Coordinator) WriteAttribute(ctx context.Context, dst zcl.Destination, clusterID, attrID uint16, dataType uint8, value any) error {
	encoded, err := zcl.EncodeValue(dataType, value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	rec := &writeRecord{attrID: attrID, typeID: dataType, value: encoded}
	cmd := profileCommand(dst, c.config.AppEndpoint, clusterID, c.stack.NextSequence(), zcl.FoundationWriteAttributes, rec)
	if err := c.send(ctx, cmd); err != nil {
		return fmt.Errorf("write attribute: %w", err)
	}
	return nil
}

// SendClusterCommand sends a cluster-specific command with a raw payload.
func (c *Coordinator) SendClusterCommand(ctx context.Context, dst zcl.Destination, clusterID uint16, dir zcl.Direction, commandID uint8, payload []byte) error {
	cmd := c.stack.ClusterCommand(dst, c.config.AppEndpoint, clusterID, dir, commandID, zcl.RawPayload(payload))
	if err := c.send(ctx, cmd); err != nil {
		return fmt.Errorf("cluster command: %w", err)
	}
	return nil
}

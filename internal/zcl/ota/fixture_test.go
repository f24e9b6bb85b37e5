package ota

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/clusters"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	frames []zcl.OutgoingFrame
}

func (s *recordingSender) SendFrame(_ context.Context, f zcl.OutgoingFrame) error {
	f.Data = append([]byte(nil), f.Data...)
	s.frames = append(s.frames, f)
	return nil
}

// command decodes the i-th sent frame as an OTA command.
func (s *recordingSender) command(t *testing.T, i int) (zcl.OutgoingFrame, zcl.Header, Command) {
	t.Helper()
	if i < 0 || i >= len(s.frames) {
		t.Fatalf("frame %d not sent (%d frames)", i, len(s.frames))
	}
	f := s.frames[i]
	h, payload, err := zcl.ParseHeader(f.Data)
	if err != nil {
		t.Fatalf("frame %d does not parse: %v", i, err)
	}
	if h.FrameType != zcl.FrameTypeCluster {
		t.Fatalf("frame %d is not cluster specific: % X", i, f.Data)
	}
	cmd, err := Decode(h.Direction, h.CommandID, payload)
	if err != nil {
		t.Fatalf("frame %d: %v", i, err)
	}
	return f, h, cmd
}

func (s *recordingSender) last(t *testing.T) Command {
	t.Helper()
	_, _, cmd := s.command(t, len(s.frames)-1)
	return cmd
}

type manualScheduler struct {
	delays []time.Duration
	fns    []func()
}

func (m *manualScheduler) Schedule(delay time.Duration, fn func()) {
	m.delays = append(m.delays, delay)
	m.fns = append(m.fns, fn)
}

// fireLast runs the most recently scheduled callback.
func (m *manualScheduler) fireLast(t *testing.T) time.Duration {
	t.Helper()
	if len(m.fns) == 0 {
		t.Fatal("nothing scheduled")
	}
	i := len(m.fns) - 1
	m.fns[i]()
	return m.delays[i]
}

type memSessionStore struct {
	saved   *Session
	data    []byte
	saves   int
	appends int
	written int // data bytes handed to AppendData
	cleared int
}

func newMemSessionStore(saved *Session) *memSessionStore {
	m := &memSessionStore{saved: saved}
	if saved != nil {
		m.data = bytes.Clone(saved.Data)
	}
	return m
}

func (m *memSessionStore) LoadSession() (*Session, error) {
	if m.saved == nil {
		return nil, nil
	}
	c := *m.saved
	c.Data = bytes.Clone(m.data)
	c.Offset = uint32(len(m.data))
	return &c, nil
}

func (m *memSessionStore) SaveSession(s *Session) error {
	c := *s
	c.Data = nil
	m.saved = &c
	m.saves++
	return nil
}

func (m *memSessionStore) AppendData(offset uint32, data []byte) error {
	if int(offset) < len(m.data) {
		m.data = m.data[:offset]
	}
	if int(offset) != len(m.data) {
		return fmt.Errorf("append at %d, have %d bytes", offset, len(m.data))
	}
	m.data = append(m.data, data...)
	m.appends++
	m.written += len(data)
	return nil
}

func (m *memSessionStore) ClearSession() error {
	m.saved = nil
	m.data = nil
	m.cleared++
	return nil
}

const (
	testManufacturer uint16 = 0x1037
	testImageType    uint16 = 0x0102
)

// testImage builds an upgrade file with a payload of n counting bytes.
func testImage(t *testing.T, version uint32, n int) []byte {
	t.Helper()
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i)
	}
	h := &ImageHeader{
		Manufacturer: testManufacturer,
		ImageType:    testImageType,
		FileVersion:  version,
		StackVersion: StackZigBeePro,
		HeaderString: "test image",
	}
	return BuildImage(h, Element{Tag: TagUpgradeImage, Data: payload})
}

func newTestStack(sender zcl.Sender, sched zcl.Scheduler, pool zcl.BufferPool) *zcl.Stack {
	return zcl.NewStack(zcl.StackConfig{
		Pool:      pool,
		Sender:    sender,
		Scheduler: sched,
		Logger:    testLogger(),
	})
}

var (
	serverIEEE = zcl.IEEEAddr{0x00, 0x12, 0x4B, 0x00, 0x00, 0x00, 0x00, 0x01}
	clientIEEE = zcl.IEEEAddr{0x00, 0x12, 0x4B, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// dispatchOTA delivers cmd to the stack as if sent by src.
func dispatchOTA(stack *zcl.Stack, src uint16, srcIEEE zcl.IEEEAddr, broadcast bool, cmd Command) zcl.Status {
	f := &zcl.IncomingFrame{
		SrcAddr:     src,
		SrcIEEE:     srcIEEE,
		SrcEndpoint: DefaultEndpoint,
		DstEndpoint: DefaultEndpoint,
		ProfileID:   zcl.ProfileHA,
		ClusterID:   clusters.ClusterOTAUpgrade,
		Broadcast:   broadcast,
		Header: zcl.Header{
			FrameType:              zcl.FrameTypeCluster,
			Direction:              cmd.Direction(),
			DisableDefaultResponse: true,
			Sequence:               0x42,
			CommandID:              cmd.CommandID(),
		},
		Payload: zcl.Marshal(cmd),
	}
	return stack.Dispatch(context.Background(), f)
}

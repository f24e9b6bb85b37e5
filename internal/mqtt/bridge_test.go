//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"zigbee-zcl/internal/coordinator"
	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/clusters"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakeNode struct {
	events  *coordinator.EventBus
	catalog *zcl.Catalog
	entries []greenpower.SinkEntry

	mu         sync.Mutex
	commission []time.Duration // negative means exit
	removed    []greenpower.GPDID
	notified   []zcl.Destination
	jitters    []uint8
	queries    int
}

func newFakeNode() *fakeNode {
	catalog := zcl.NewCatalog(slog.Default())
	catalog.Add(clusters.All()...)
	return &fakeNode{events: coordinator.NewEventBus(slog.Default()), catalog: catalog}
}

func (n *fakeNode) Events() *coordinator.EventBus { return n.events }
func (n *fakeNode) Context() context.Context      { return context.Background() }
func (n *fakeNode) Catalog() *zcl.Catalog         { return n.catalog }
func (n *fakeNode) GPDs() []greenpower.SinkEntry  { return n.entries }

func (n *fakeNode) LookupGPD(id greenpower.GPDID) (greenpower.SinkEntry, bool) {
	for _, e := range n.entries {
		if e.GPD == id {
			return e, true
		}
	}
	return greenpower.SinkEntry{}, false
}

func (n *fakeNode) EnterCommissioning(_ context.Context, window time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commission = append(n.commission, window)
	return nil
}

func (n *fakeNode) ExitCommissioning(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.commission = append(n.commission, -1)
	return nil
}

func (n *fakeNode) RemoveGPD(_ context.Context, id greenpower.GPDID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removed = append(n.removed, id)
	return nil
}

func (n *fakeNode) NotifyImage(_ context.Context, dst zcl.Destination, _ ota.NotifyPayloadType, jitter uint8) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, dst)
	n.jitters = append(n.jitters, jitter)
	return nil
}

func (n *fakeNode) QueryImage(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queries++
	return nil
}

func newTestBridge(t *testing.T) (*Bridge, *fakeNode, *[]published) {
	t.Helper()
	node := newFakeNode()
	b := newBridge(node, "zcl", slog.Default())
	var out []published
	b.publishFn = func(topic string, payload []byte, retained bool) {
		out = append(out, published{topic: topic, payload: payload, retained: retained})
	}
	return b, node, &out
}

func findPublished(t *testing.T, out []published, topic string) published {
	t.Helper()
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].topic == topic {
			return out[i]
		}
	}
	t.Fatalf("nothing published to %s; got %d messages", topic, len(out))
	return published{}
}

func decodeState(t *testing.T, p published) map[string]any {
	t.Helper()
	var state map[string]any
	if err := json.Unmarshal(p.payload, &state); err != nil {
		t.Fatalf("unmarshal %s: %v", p.topic, err)
	}
	return state
}

func TestDiscoverySwitchGPD(t *testing.T) {
	e := &greenpower.SinkEntry{
		GPD:       greenpower.SrcID(0x0012AB34),
		DeviceID:  greenpower.DeviceOnOffSwitch,
		SeqNumCap: true,
	}
	msgs := buildDiscovery(e, "zcl")
	topics := extractTopics(msgs)
	if !topics["homeassistant/sensor/gpd_0x0012AB34/action/config"] {
		t.Fatalf("action discovery missing: %v", topics)
	}
	if !topics["homeassistant/sensor/gpd_0x0012AB34/frame_counter/config"] {
		t.Error("frame counter discovery missing for sequence-capable GPD")
	}

	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.StateTopic != "zcl/gp/0x0012AB34" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.AvailabilityTopic != "zcl/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.ValueTemplate != "{{ value_json.action }}" {
		t.Errorf("value_template = %q", payload.ValueTemplate)
	}
	if payload.Device.Model != "On/Off Switch" {
		t.Errorf("device.model = %q", payload.Device.Model)
	}
}

func TestDiscoveryNoFrameCounter(t *testing.T) {
	e := &greenpower.SinkEntry{GPD: greenpower.SrcID(1), DeviceID: greenpower.DeviceGeneric8Contact}
	msgs := buildDiscovery(e, "zcl")
	if len(msgs) != 1 {
		t.Errorf("got %d discovery messages, want 1", len(msgs))
	}
}

func TestDiscoveryIEEEGPD(t *testing.T) {
	ieee, _ := zcl.ParseIEEE("00:15:8D:00:01:2A:3B:4C")
	e := &greenpower.SinkEntry{GPD: greenpower.GPDAddr{IEEE: ieee, Endpoint: 2}}
	topics := extractTopics(buildDiscovery(e, "zcl"))
	if !topics["homeassistant/sensor/gpd_00158D00012A3B4C_2/action/config"] {
		t.Errorf("topics = %v", topics)
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery("0x0012AB34")
	if len(msgs) == 0 {
		t.Fatal("expected removal messages")
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal message should have nil payload, got %q for %s", m.Payload, m.Topic)
		}
		if m.Topic == "" {
			t.Error("removal message has empty topic")
		}
	}
}

func TestDeviceModel(t *testing.T) {
	tests := []struct {
		id   uint8
		want string
	}{
		{greenpower.DeviceOnOffSwitch, "On/Off Switch"},
		{greenpower.DeviceTemperatureSensor, "Temperature Sensor"},
		{0x55, "GPD 0x55"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := deviceModel(tt.id); got != tt.want {
				t.Errorf("deviceModel(0x%02X) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestMapAttributeToProperty(t *testing.T) {
	tests := []struct {
		cluster  uint16
		attrName string
		want     string
	}{
		{0x0006, "OnOff", "state"},
		{0x0008, "CurrentLevel", "brightness"},
		{0x0402, "MeasuredValue", "temperature"},
		{0x0019, "CurrentFileVersion", "file_version"},
		{0x0000, "ModelIdentifier", ""}, // unmapped
	}

	for _, tt := range tests {
		t.Run(tt.attrName, func(t *testing.T) {
			got := mapAttributeToProperty(tt.cluster, tt.attrName)
			if got != tt.want {
				t.Errorf("mapAttributeToProperty(0x%04X, %q) = %q, want %q", tt.cluster, tt.attrName, got, tt.want)
			}
		})
	}
}

func TestGPDActionName(t *testing.T) {
	tests := []struct {
		cmd  uint8
		want string
	}{
		{greenpower.GPDCmdOn, "on"},
		{greenpower.GPDCmdOff, "off"},
		{greenpower.GPDCmdToggle, "toggle"},
		{greenpower.GPDCmdStepUpWithOnOff, "step_up"},
		{0x69, "0x69"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := gpdActionName(tt.cmd); got != tt.want {
				t.Errorf("gpdActionName(0x%02X) = %q, want %q", tt.cmd, got, tt.want)
			}
		})
	}
}

func TestAttributeReportPublished(t *testing.T) {
	b, _, out := newTestBridge(t)
	b.handleEvent(coordinator.Event{Type: coordinator.EventAttributeReport, Data: map[string]any{
		"src":      "0x2222",
		"endpoint": uint8(1),
		"cluster":  clusters.ClusterTemperature,
		"records":  []zcl.AttributeRecord{{ID: 0x0000, Type: zcl.TypeInt16, Value: int16(2150)}},
	}})
	b.handleEvent(coordinator.Event{Type: coordinator.EventAttributeReport, Data: map[string]any{
		"src":      "0x2222",
		"endpoint": uint8(1),
		"cluster":  clusters.ClusterOnOff,
		"records":  []zcl.AttributeRecord{{ID: 0x0000, Type: zcl.TypeBool, Value: true}},
	}})

	p := findPublished(t, *out, "zcl/0x2222")
	if !p.retained {
		t.Error("state should be retained")
	}
	state := decodeState(t, p)
	if state["temperature"] != 21.5 {
		t.Errorf("temperature = %v", state["temperature"])
	}
	if state["state"] != "ON" {
		t.Errorf("state = %v", state["state"])
	}
}

func TestAttributeReportUnmappedIgnored(t *testing.T) {
	b, _, out := newTestBridge(t)
	b.handleEvent(coordinator.Event{Type: coordinator.EventAttributeReport, Data: map[string]any{
		"src":     "0x2222",
		"cluster": zcl.ClusterBasic,
		"records": []zcl.AttributeRecord{{ID: 0x0004, Type: zcl.TypeCharStr, Value: "acme"}},
	}})
	if len(*out) != 0 {
		t.Errorf("published %d messages for unmapped report", len(*out))
	}
}

func TestGPNotificationState(t *testing.T) {
	b, _, out := newTestBridge(t)
	b.handleEvent(coordinator.Event{Type: greenpower.EventNotification, Data: map[string]any{
		"gpd":           "0x0012AB34",
		"device_id":     greenpower.DeviceOnOffSwitch,
		"command":       greenpower.GPDCmdToggle,
		"payload":       "",
		"frame_counter": uint32(7),
	}})
	state := decodeState(t, findPublished(t, *out, "zcl/gp/0x0012AB34"))
	if state["action"] != "toggle" {
		t.Errorf("action = %v", state["action"])
	}
	if state["frame_counter"] != float64(7) {
		t.Errorf("frame_counter = %v", state["frame_counter"])
	}
}

func TestGPCommissionedPublishesDiscovery(t *testing.T) {
	b, node, out := newTestBridge(t)
	node.entries = []greenpower.SinkEntry{{GPD: greenpower.SrcID(0x0012AB34), DeviceID: greenpower.DeviceOnOffSwitch}}

	b.handleEvent(coordinator.Event{Type: greenpower.EventCommissioned, Data: map[string]any{
		"gpd":       "0x0012AB34",
		"device_id": greenpower.DeviceOnOffSwitch,
		"comm_mode": "unicast",
	}})
	findPublished(t, *out, "zcl/gp/0x0012AB34")
	findPublished(t, *out, "homeassistant/sensor/gpd_0x0012AB34/action/config")
}

func TestGPRemovedClearsState(t *testing.T) {
	b, _, out := newTestBridge(t)
	b.handleEvent(coordinator.Event{Type: greenpower.EventNotification, Data: map[string]any{
		"gpd": "0x00000001", "command": greenpower.GPDCmdOn,
	}})
	b.handleEvent(coordinator.Event{Type: greenpower.EventRemoved, Data: map[string]any{"gpd": "0x00000001"}})

	p := findPublished(t, *out, "zcl/gp/0x00000001")
	if len(p.payload) != 0 || !p.retained {
		t.Errorf("removal should publish an empty retained state, got %q", p.payload)
	}
	if d := findPublished(t, *out, "homeassistant/sensor/gpd_0x00000001/action/config"); d.payload != nil {
		t.Errorf("discovery not cleared: %q", d.payload)
	}
	if _, ok := b.states["zcl/gp/0x00000001"]; ok {
		t.Error("state accumulator still holds removed GPD")
	}
}

func TestOTAServerEventTopic(t *testing.T) {
	b, _, out := newTestBridge(t)
	b.handleEvent(coordinator.Event{Type: ota.EventQuery, Data: map[string]any{
		"src":          uint16(0x1A2B),
		"manufacturer": uint16(0x1037),
		"status":       "SUCCESS",
	}})
	p := findPublished(t, *out, "zcl/ota/0x1A2B")
	if p.retained {
		t.Error("OTA server events should not be retained")
	}
	msg := decodeState(t, p)
	if msg["event"] != ota.EventQuery || msg["src"] != "0x1A2B" {
		t.Errorf("message = %v", msg)
	}
}

func TestOTASessionTopic(t *testing.T) {
	b, _, out := newTestBridge(t)
	b.handleEvent(coordinator.Event{Type: ota.EventSession, Data: map[string]any{"phase": "downloading", "progress": 50}})
	state := decodeState(t, findPublished(t, *out, "zcl/ota/session"))
	if state["phase"] != "downloading" || state["event"] != ota.EventSession {
		t.Errorf("session state = %v", state)
	}
}

func TestCommissioningCommand(t *testing.T) {
	b, node, _ := newTestBridge(t)
	b.handleCommissioningCommand([]byte(`{"state":"ON","window":30}`))
	b.handleCommissioningCommand([]byte(`{"state":"OFF"}`))
	b.handleCommissioningCommand([]byte(`{"state":"maybe"}`))
	b.handleCommissioningCommand([]byte(`not json`))

	if len(node.commission) != 2 {
		t.Fatalf("commission calls = %v", node.commission)
	}
	if node.commission[0] != 30*time.Second || node.commission[1] != -1 {
		t.Errorf("commission calls = %v", node.commission)
	}
}

func TestNotifyCommand(t *testing.T) {
	b, node, _ := newTestBridge(t)
	b.handleNotifyCommand([]byte(`{"addr":"0x1A2B","payload_type":0,"jitter":40}`))
	b.handleNotifyCommand([]byte(`{"jitter":60}`))
	b.handleNotifyCommand([]byte(`{"payload_type":9}`))
	b.handleNotifyCommand([]byte(`{"addr":"kitchen"}`))

	if len(node.notified) != 2 {
		t.Fatalf("notify calls = %+v", node.notified)
	}
	if d := node.notified[0]; d.ShortAddr != 0x1A2B || d.Endpoint != ota.DefaultEndpoint || !d.IsUnicast() {
		t.Errorf("unicast destination = %+v", d)
	}
	if d := node.notified[1]; d.ShortAddr != zcl.BroadcastRxOn || d.IsUnicast() {
		t.Errorf("broadcast destination = %+v", d)
	}
	if node.jitters[1] != 60 {
		t.Errorf("jitter = %d", node.jitters[1])
	}
}

func TestRemoveAndQueryCommands(t *testing.T) {
	b, node, _ := newTestBridge(t)
	b.handleRemoveCommand([]byte("0x0012AB34\n"))
	b.handleRemoveCommand([]byte("nope"))
	b.handleQueryCommand(nil)

	if len(node.removed) != 1 || node.removed[0] != greenpower.SrcID(0x0012AB34) {
		t.Errorf("removed = %v", node.removed)
	}
	if node.queries != 1 {
		t.Errorf("queries = %d", node.queries)
	}
}

func TestStartSubscribesToEvents(t *testing.T) {
	b, node, out := newTestBridge(t)
	b.Start()
	defer b.unsub()
	node.events.Emit(coordinator.Event{Type: greenpower.EventCommissioning, Data: map[string]any{"enter": true, "window": 180}})
	state := decodeState(t, findPublished(t, *out, "zcl/gp/commissioning"))
	if state["enter"] != true {
		t.Errorf("commissioning state = %v", state)
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}

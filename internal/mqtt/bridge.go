//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zigbee-zcl/internal/coordinator"
	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Node is the part of the coordinator the bridge publishes and drives.
type Node interface {
	Events() *coordinator.EventBus
	Context() context.Context
	Catalog() *zcl.Catalog
	GPDs() []greenpower.SinkEntry
	LookupGPD(id greenpower.GPDID) (greenpower.SinkEntry, bool)
	EnterCommissioning(ctx context.Context, window time.Duration) error
	ExitCommissioning(ctx context.Context) error
	RemoveGPD(ctx context.Context, id greenpower.GPDID) error
	NotifyImage(ctx context.Context, dst zcl.Destination, payloadType ota.NotifyPayloadType, jitter uint8) error
	QueryImage(ctx context.Context) error
}

// Bridge connects the node to MQTT with HA autodiscovery for paired GPDs.
type Bridge struct {
	client pahomqtt.Client
	node   Node
	prefix string
	logger *slog.Logger
	unsub  func()

	// publishFn sends one message; replaced in tests.
	publishFn func(topic string, payload []byte, retained bool)

	// Per-source state accumulator, keyed by state topic.
	mu     sync.Mutex
	states map[string]map[string]any
}

func newBridge(node Node, prefix string, logger *slog.Logger) *Bridge {
	b := &Bridge{
		node:   node,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[string]map[string]any),
	}
	b.publishFn = b.clientPublish
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(node Node, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(node, cfg.TopicPrefix, logger)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zcl-node"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to node events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.node.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	data, _ := event.Data.(map[string]any)
	switch event.Type {
	case coordinator.EventAttributeReport:
		b.handleAttributeReport(data)
	case greenpower.EventCommissioned:
		b.handleCommissioned(data)
	case greenpower.EventNotification:
		b.handleNotification(data)
	case greenpower.EventRemoved:
		b.handleRemoved(data)
	case greenpower.EventCommissioning:
		b.publish(b.prefix+"/gp/commissioning", mustJSON(data), true)
	case ota.EventQuery, ota.EventUpgradeEnd:
		b.handleOTAServerEvent(event.Type, data)
	case ota.EventSession, ota.EventUpgraded:
		b.updateAndPublishState(b.prefix+"/ota/session", withEvent(event.Type, data))
	}
}

func withEvent(eventType string, data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["event"] = eventType
	return out
}

func (b *Bridge) handleAttributeReport(data map[string]any) {
	src, _ := data["src"].(string)
	clusterID, _ := data["cluster"].(uint16)
	records, _ := data["records"].([]zcl.AttributeRecord)
	if src == "" || len(records) == 0 {
		return
	}
	cluster, known := b.node.Catalog().Get(clusterID)
	props := make(map[string]any)
	for _, rec := range records {
		if !known {
			continue
		}
		attr := cluster.FindAttribute(rec.ID)
		if attr == nil {
			continue
		}
		prop := mapAttributeToProperty(clusterID, attr.Name)
		if prop == "" {
			continue
		}
		props[prop] = convertValue(prop, rec.Value)
	}
	if len(props) == 0 {
		return
	}
	b.updateAndPublishState(b.prefix+"/"+src, props)
}

func (b *Bridge) handleCommissioned(data map[string]any) {
	gpd, _ := data["gpd"].(string)
	if gpd == "" {
		return
	}
	b.updateAndPublishState(gpdTopic(b.prefix, gpd), data)
	id, err := greenpower.ParseGPDID(gpd)
	if err != nil {
		return
	}
	if e, ok := b.node.LookupGPD(id); ok {
		b.publishDiscovery(&e)
	}
}

func (b *Bridge) handleNotification(data map[string]any) {
	gpd, _ := data["gpd"].(string)
	if gpd == "" {
		return
	}
	cmd, _ := data["command"].(uint8)
	state := map[string]any{"action": gpdActionName(cmd)}
	for k, v := range data {
		state[k] = v
	}
	b.updateAndPublishState(gpdTopic(b.prefix, gpd), state)
}

func (b *Bridge) handleRemoved(data map[string]any) {
	gpd, _ := data["gpd"].(string)
	if gpd == "" {
		return
	}
	for _, msg := range buildRemoveDiscovery(gpd) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	topic := gpdTopic(b.prefix, gpd)
	b.mu.Lock()
	delete(b.states, topic)
	b.mu.Unlock()
	// An empty retained message clears the last state.
	b.publish(topic, nil, true)
}

func (b *Bridge) handleOTAServerEvent(eventType string, data map[string]any) {
	src, ok := data["src"].(uint16)
	if !ok {
		return
	}
	msg := withEvent(eventType, data)
	msg["src"] = fmt.Sprintf("0x%04X", src)
	b.publish(fmt.Sprintf("%s/ota/0x%04X", b.prefix, src), mustJSON(msg), false)
}

func (b *Bridge) updateAndPublishState(topic string, props map[string]any) {
	b.mu.Lock()
	state, ok := b.states[topic]
	if !ok {
		state = make(map[string]any)
		b.states[topic] = state
	}
	for k, v := range props {
		state[k] = v
	}
	state["last_seen"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(topic, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	entries := b.node.GPDs()
	for i := range entries {
		b.publishDiscovery(&entries[i])
	}
}

func (b *Bridge) publishDiscovery(e *greenpower.SinkEntry) {
	for _, msg := range buildDiscovery(e, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "gpd", e.GPD, "model", deviceModel(e.DeviceID))
}

func (b *Bridge) subscribeCommands() {
	handlers := map[string]func([]byte){
		"/gp/commissioning/set": b.handleCommissioningCommand,
		"/gp/remove/set":        b.handleRemoveCommand,
		"/ota/notify/set":       b.handleNotifyCommand,
		"/ota/query/set":        b.handleQueryCommand,
	}
	for suffix, h := range handlers {
		h := h
		b.client.Subscribe(b.prefix+suffix, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			h(msg.Payload())
		})
	}
}

func (b *Bridge) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.node.Context(), 10*time.Second)
}

func (b *Bridge) handleCommissioningCommand(payload []byte) {
	var req coordinator.CommissioningRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Warn("invalid commissioning command JSON", "err", err)
		return
	}
	enter, err := req.Enter()
	if err != nil {
		b.logger.Warn("invalid commissioning command", "err", err)
		return
	}
	ctx, cancel := b.commandContext()
	defer cancel()
	if enter {
		err = b.node.EnterCommissioning(ctx, time.Duration(req.Window)*time.Second)
	} else {
		err = b.node.ExitCommissioning(ctx)
	}
	if err != nil {
		b.logger.Warn("commissioning command failed", "enter", enter, "err", err)
	}
}

func (b *Bridge) handleRemoveCommand(payload []byte) {
	id, err := greenpower.ParseGPDID(strings.TrimSpace(string(payload)))
	if err != nil {
		b.logger.Warn("invalid remove command", "err", err)
		return
	}
	ctx, cancel := b.commandContext()
	defer cancel()
	if err := b.node.RemoveGPD(ctx, id); err != nil {
		b.logger.Warn("remove gpd failed", "gpd", id, "err", err)
	}
}

func (b *Bridge) handleNotifyCommand(payload []byte) {
	var req coordinator.NotifyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Warn("invalid notify command JSON", "err", err)
		return
	}
	if err := req.Validate(); err != nil {
		b.logger.Warn("invalid notify command", "err", err)
		return
	}
	dst, err := req.Destination()
	if err != nil {
		b.logger.Warn("invalid notify command", "err", err)
		return
	}
	ctx, cancel := b.commandContext()
	defer cancel()
	if err := b.node.NotifyImage(ctx, dst, ota.NotifyPayloadType(req.PayloadType), req.Jitter); err != nil {
		b.logger.Warn("image notify failed", "addr", fmt.Sprintf("0x%04X", dst.ShortAddr), "err", err)
	}
}

func (b *Bridge) handleQueryCommand([]byte) {
	ctx, cancel := b.commandContext()
	defer cancel()
	if err := b.node.QueryImage(ctx); err != nil {
		b.logger.Warn("image query failed", "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	b.publishFn(topic, payload, retained)
}

func (b *Bridge) clientPublish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// mapAttributeToProperty maps well-known cluster/attribute combos to property names.
func mapAttributeToProperty(clusterID uint16, attrName string) string {
	switch clusterID {
	case 0x0006: // On/Off
		if attrName == "OnOff" {
			return "state"
		}
	case 0x0008: // Level Control
		if attrName == "CurrentLevel" {
			return "brightness"
		}
	case 0x0402: // Temperature
		if attrName == "MeasuredValue" {
			return "temperature"
		}
	case 0x0019: // OTA Upgrade
		if attrName == "CurrentFileVersion" {
			return "file_version"
		}
		if attrName == "ImageUpgradeStatus" {
			return "upgrade_status"
		}
	}
	return ""
}

// convertValue scales raw attribute values into display units.
func convertValue(prop string, value any) any {
	switch prop {
	case "state":
		if on, ok := value.(bool); ok {
			if on {
				return "ON"
			}
			return "OFF"
		}
	case "temperature":
		if v, ok := toFloat64(value); ok {
			return v / 100
		}
	}
	return value
}

// gpdActionName names a GPD command for the action sensor.
func gpdActionName(cmd uint8) string {
	switch cmd {
	case greenpower.GPDCmdOff:
		return "off"
	case greenpower.GPDCmdOn:
		return "on"
	case greenpower.GPDCmdToggle:
		return "toggle"
	case greenpower.GPDCmdMoveUp, greenpower.GPDCmdMoveUpWithOnOff:
		return "move_up"
	case greenpower.GPDCmdMoveDown, greenpower.GPDCmdMoveDownWithOnOff:
		return "move_down"
	case greenpower.GPDCmdStepUp, greenpower.GPDCmdStepUpWithOnOff:
		return "step_up"
	case greenpower.GPDCmdStepDown, greenpower.GPDCmdStepDownWithOnOff:
		return "step_down"
	case greenpower.GPDCmdLevelStop:
		return "stop"
	case greenpower.GPDCmdAttributeReport, greenpower.GPDCmdAnySensorReport:
		return "report"
	}
	return fmt.Sprintf("0x%02X", cmd)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

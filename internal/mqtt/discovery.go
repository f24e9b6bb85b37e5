//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"zigbee-zcl/internal/zcl/greenpower"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/gpd_0x0012AB34/action/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// gpdObjectID turns a GPD ID into an HA object id: "0x0012AB34" stays as
// is, "<ieee>/<ep>" becomes "<ieee>_<ep>".
func gpdObjectID(gpd string) string {
	return "gpd_" + strings.NewReplacer("/", "_", ":", "").Replace(gpd)
}

// gpdTopic returns the state topic of a GPD.
func gpdTopic(prefix, gpd string) string {
	return prefix + "/gp/" + gpd
}

// deviceModel names a GP device ID.
func deviceModel(deviceID uint8) string {
	switch deviceID {
	case greenpower.DeviceSimpleSwitch1State:
		return "Simple Generic 1-state Switch"
	case greenpower.DeviceSimpleSwitch2State:
		return "Simple Generic 2-state Switch"
	case greenpower.DeviceOnOffSwitch:
		return "On/Off Switch"
	case greenpower.DeviceLevelSwitch:
		return "Level Control Switch"
	case greenpower.DeviceGeneric8Contact:
		return "Generic 8-contact Switch"
	case greenpower.DeviceTemperatureSensor:
		return "Temperature Sensor"
	}
	return fmt.Sprintf("GPD 0x%02X", deviceID)
}

// buildDiscovery returns the discovery messages for a paired GPD. Every GPD
// gets an action sensor fed by its notifications and a diagnostic frame
// counter.
func buildDiscovery(e *greenpower.SinkEntry, prefix string) []discoveryMsg {
	if e.GPD == nil {
		return nil
	}
	gpd := e.GPD.String()
	objID := gpdObjectID(gpd)
	dev := haDevice{
		Identifiers:  []string{objID},
		Manufacturer: "Green Power",
		Model:        deviceModel(e.DeviceID),
		Name:         "GPD " + gpd,
	}
	state := gpdTopic(prefix, gpd)
	avail := prefix + "/bridge/state"

	msgs := []discoveryMsg{
		sensorMsg(objID, "action", haDiscovery{
			Name:              dev.Name + " Action",
			UniqueID:          objID + "_action",
			StateTopic:        state,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json.action }}",
			Icon:              "mdi:gesture-tap-button",
			Device:            dev,
		}),
	}
	if e.TracksCounter() {
		msgs = append(msgs, sensorMsg(objID, "frame_counter", haDiscovery{
			Name:              dev.Name + " Frame Counter",
			UniqueID:          objID + "_frame_counter",
			StateTopic:        state,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ value_json.frame_counter }}",
			StateClass:        "total_increasing",
			EntityCategory:    "diagnostic",
			Device:            dev,
		}))
	}
	return msgs
}

func sensorMsg(objID, entity string, payload haDiscovery) discoveryMsg {
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", objID, entity),
		Payload: mustJSON(payload),
	}
}

// buildRemoveDiscovery returns empty retained messages that delete the
// entities of a GPD.
func buildRemoveDiscovery(gpd string) []discoveryMsg {
	objID := gpdObjectID(gpd)
	var msgs []discoveryMsg
	for _, entity := range []string{"action", "frame_counter"} {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/sensor/%s/%s/config", objID, entity),
		})
	}
	return msgs
}

// Package clusters holds the static definitions of the clusters this node
// serves or talks to.
package clusters

import "zigbee-zcl/internal/zcl"

// Cluster IDs
const (
	ClusterOnOff        uint16 = 0x0006
	ClusterLevelControl uint16 = 0x0008
	ClusterTemperature  uint16 = 0x0402
)

// All returns every known definition.
func All() []zcl.ClusterDef {
	return []zcl.ClusterDef{
		Basic,                  // 0x0000
		Identify,               // 0x0003
		OnOff,                  // 0x0006
		LevelControl,           // 0x0008
		OTAUpgrade,             // 0x0019
		GreenPower,             // 0x0021
		TemperatureMeasurement, // 0x0402
	}
}

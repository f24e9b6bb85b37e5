package coordinator

import (
	"fmt"
	"strconv"
	"strings"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/ota"
)

// ParseDestination parses a target address: a short address ("0x1A2B" or
// decimal), "group:<id>" or a 16 digit IEEE address.
func ParseDestination(addr string, endpoint uint8) (zcl.Destination, error) {
	addr = strings.TrimSpace(addr)
	if g, ok := strings.CutPrefix(strings.ToLower(addr), "group:"); ok {
		id, err := strconv.ParseUint(g, 0, 16)
		if err != nil {
			return zcl.Destination{}, fmt.Errorf("invalid group %q", g)
		}
		return zcl.Destination{Mode: zcl.AddrModeGroup, GroupID: uint16(id), Endpoint: endpoint}, nil
	}
	if len(strings.ReplaceAll(addr, ":", "")) == 16 {
		ieee, err := zcl.ParseIEEE(addr)
		if err != nil {
			return zcl.Destination{}, fmt.Errorf("invalid address %q", addr)
		}
		return zcl.Destination{Mode: zcl.AddrModeIEEE, IEEE: ieee, Endpoint: endpoint}, nil
	}
	n, err := strconv.ParseUint(addr, 0, 16)
	if err != nil {
		return zcl.Destination{}, fmt.Errorf("invalid address %q", addr)
	}
	return zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: uint16(n), Endpoint: endpoint}, nil
}

// ReadRequest reads attributes of a remote cluster.
type ReadRequest struct {
	Addr      string   `json:"addr"`
	Endpoint  uint8    `json:"endpoint"`
	ClusterID uint16   `json:"cluster_id"`
	AttrIDs   []uint16 `json:"attr_ids"`
}

// WriteRequest writes one attribute of a remote cluster.
type WriteRequest struct {
	Addr      string `json:"addr"`
	Endpoint  uint8  `json:"endpoint"`
	ClusterID uint16 `json:"cluster_id"`
	AttrID    uint16 `json:"attr_id"`
	DataType  uint8  `json:"data_type"`
	Value     any    `json:"value"`
}

// CommandRequest sends a cluster specific command. Direction is
// "client_to_server" (default) or "server_to_client".
type CommandRequest struct {
	Addr      string `json:"addr"`
	Endpoint  uint8  `json:"endpoint"`
	ClusterID uint16 `json:"cluster_id"`
	CommandID uint8  `json:"command_id"`
	Direction string `json:"direction,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// Dir resolves the frame direction.
func (r CommandRequest) Dir() (zcl.Direction, error) {
	switch r.Direction {
	case "", "client_to_server":
		return zcl.ClientToServer, nil
	case "server_to_client":
		return zcl.ServerToClient, nil
	}
	return 0, fmt.Errorf("invalid direction %q", r.Direction)
}

// NotifyRequest asks the OTA server to send an Image Notify. An empty Addr
// or "broadcast" targets all rx-on-when-idle devices.
type NotifyRequest struct {
	Addr        string `json:"addr"`
	Endpoint    uint8  `json:"endpoint"`
	PayloadType uint8  `json:"payload_type"`
	Jitter      uint8  `json:"jitter"`
}

// Destination resolves the request target.
func (r NotifyRequest) Destination() (zcl.Destination, error) {
	ep := r.Endpoint
	if ep == 0 {
		ep = ota.DefaultEndpoint
	}
	addr := strings.TrimSpace(r.Addr)
	if addr == "" || strings.EqualFold(addr, "broadcast") {
		return zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: zcl.BroadcastRxOn, Endpoint: 0xFF}, nil
	}
	return ParseDestination(addr, ep)
}

// Validate checks the payload type.
func (r NotifyRequest) Validate() error {
	if r.PayloadType > uint8(ota.NotifyFileVersion) {
		return fmt.Errorf("invalid payload type %d", r.PayloadType)
	}
	return nil
}

// CommissioningRequest opens or closes the GP commissioning window. Window
// is in seconds; zero uses the configured window.
type CommissioningRequest struct {
	State  string `json:"state"`
	Window int    `json:"window"`
}

// Enter reports whether the request opens the window.
func (r CommissioningRequest) Enter() (bool, error) {
	switch strings.ToUpper(r.State) {
	case "ON", "ENTER":
		return true, nil
	case "OFF", "EXIT":
		return false, nil
	}
	return false, fmt.Errorf("invalid commissioning state %q", r.State)
}

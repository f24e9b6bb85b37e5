package coordinator

import (
	"testing"

	"zigbee-zcl/internal/zcl"
)

func TestParseDestination(t *testing.T) {
	ieee := zcl.IEEEAddr{0x4C, 0x3B, 0x2A, 0x01, 0x00, 0x8D, 0x15, 0x00}
	tests := []struct {
		in      string
		want    zcl.Destination
		wantErr bool
	}{
		{"0x1A2B", zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: 0x1A2B, Endpoint: 1}, false},
		{"4660", zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: 0x1234, Endpoint: 1}, false},
		{" group:0x0010 ", zcl.Destination{Mode: zcl.AddrModeGroup, GroupID: 0x0010, Endpoint: 1}, false},
		{"GROUP:5", zcl.Destination{Mode: zcl.AddrModeGroup, GroupID: 5, Endpoint: 1}, false},
		{"00158D00012A3B4C", zcl.Destination{Mode: zcl.AddrModeIEEE, IEEE: ieee, Endpoint: 1}, false},
		{"00:15:8D:00:01:2A:3B:4C", zcl.Destination{Mode: zcl.AddrModeIEEE, IEEE: ieee, Endpoint: 1}, false},
		{"1234567890123456", zcl.Destination{Mode: zcl.AddrModeIEEE, IEEE: zcl.IEEEAddr{0x56, 0x34, 0x12, 0x90, 0x78, 0x56, 0x34, 0x12}, Endpoint: 1}, false},
		{"0x10000", zcl.Destination{}, true},
		{"group:lights", zcl.Destination{}, true},
		{"00158D00012A3B4Z", zcl.Destination{}, true},
		{"", zcl.Destination{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDestination(tt.in, 1)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCommandRequestDir(t *testing.T) {
	tests := []struct {
		in      string
		want    zcl.Direction
		wantErr bool
	}{
		{"", zcl.ClientToServer, false},
		{"client_to_server", zcl.ClientToServer, false},
		{"server_to_client", zcl.ServerToClient, false},
		{"up", 0, true},
	}
	for _, tt := range tests {
		got, err := CommandRequest{Direction: tt.in}.Dir()
		if (err != nil) != tt.wantErr {
			t.Errorf("Dir(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("Dir(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNotifyRequestDestination(t *testing.T) {
	broadcast := zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: zcl.BroadcastRxOn, Endpoint: 0xFF}
	tests := []struct {
		name    string
		req     NotifyRequest
		want    zcl.Destination
		wantErr bool
	}{
		{"empty", NotifyRequest{}, broadcast, false},
		{"broadcast", NotifyRequest{Addr: "Broadcast", Endpoint: 5}, broadcast, false},
		{"default endpoint", NotifyRequest{Addr: "0x1234"}, zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: 0x1234, Endpoint: 1}, false},
		{"explicit endpoint", NotifyRequest{Addr: "0x1234", Endpoint: 8}, zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: 0x1234, Endpoint: 8}, false},
		{"bad", NotifyRequest{Addr: "kitchen"}, zcl.Destination{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.Destination()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNotifyRequestValidate(t *testing.T) {
	for pt := uint8(0); pt <= 3; pt++ {
		if err := (NotifyRequest{PayloadType: pt}).Validate(); err != nil {
			t.Errorf("payload type %d: %v", pt, err)
		}
	}
	if err := (NotifyRequest{PayloadType: 4}).Validate(); err == nil {
		t.Error("payload type 4 accepted")
	}
}

func TestCommissioningRequestEnter(t *testing.T) {
	tests := []struct {
		state   string
		want    bool
		wantErr bool
	}{
		{"ON", true, false},
		{"enter", true, false},
		{"off", false, false},
		{"EXIT", false, false},
		{"toggle", false, true},
	}
	for _, tt := range tests {
		got, err := CommissioningRequest{State: tt.state}.Enter()
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("Enter(%q) = %v, %v", tt.state, got, err)
		}
	}
}

package ota

import (
	"fmt"
	"log/slog"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/clusters"
)

// Callback receives every decoded OTA command of one direction.
type Callback func(req *zcl.Request, cmd Command) zcl.Status

// Handler is the OTA Upgrade cluster processor. Client-to-server commands
// go to the server callback and server-to-client commands to the client
// callback; a missing callback makes that side unsupported.
type Handler struct {
	server Callback
	client Callback
	logger *slog.Logger
}

func NewHandler(server, client Callback, logger *slog.Logger) *Handler {
	return &Handler{server: server, client: client, logger: logger}
}

func (h *Handler) HandleClientCommand(req *zcl.Request) zcl.Status {
	return h.handle(req, zcl.ClientToServer, h.server)
}

func (h *Handler) HandleServerCommand(req *zcl.Request) zcl.Status {
	return h.handle(req, zcl.ServerToClient, h.client)
}

func (h *Handler) handle(req *zcl.Request, dir zcl.Direction, cb Callback) zcl.Status {
	if cb == nil {
		return zcl.StatusUnsupClusterCommand
	}
	id := req.Frame.Header.CommandID
	cmd, err := Decode(dir, id, req.Frame.Payload)
	if err != nil {
		h.logger.Debug("ota command rejected", "cmd", fmt.Sprintf("0x%02X", id), "dir", dir,
			"src", fmt.Sprintf("0x%04X", req.Frame.SrcAddr), "err", err)
		return zcl.StatusOf(err)
	}
	return cb(req, cmd)
}

// NewRegistration returns the OTA Upgrade registration of an endpoint
// hosting a server, a client or both. Client attributes are seeded from
// the client configuration.
func NewRegistration(endpoint uint8, srv *Server, cli *Client, logger *slog.Logger) zcl.Registration {
	var server, client Callback
	attrs := []zcl.AttributeDef{}
	if srv != nil {
		server = srv.Handle
	}
	if cli != nil {
		client = cli.Handle
		attrs = clusters.OTAUpgrade.AttributesWith(cli.attributeDefaults())
	} else if def := clusters.OTAUpgrade.FindAttribute(attrClusterRevision); def != nil {
		attrs = append(attrs, *def)
	}
	return zcl.Registration{
		Endpoint:   endpoint,
		ClusterID:  clusters.ClusterOTAUpgrade,
		Attributes: attrs,
		Processor:  NewHandler(server, client, logger),
	}
}

package greenpower

import (
	"fmt"
	"log/slog"

	"zigbee-zcl/internal/zcl"
)

// Callback receives every decoded GP command. Its status becomes the
// dispatch status.
type Callback func(req *zcl.Request, cmd Command) zcl.Status

// Handler is the Green Power cluster processor.
type Handler struct {
	cb     Callback
	logger *slog.Logger
}

// NewHandler creates a processor that decodes GP commands and passes them
// to cb.
func NewHandler(cb Callback, logger *slog.Logger) *Handler {
	return &Handler{cb: cb, logger: logger}
}

func (h *Handler) HandleClientCommand(req *zcl.Request) zcl.Status {
	return h.handle(req, zcl.ClientToServer)
}

func (h *Handler) HandleServerCommand(req *zcl.Request) zcl.Status {
	return h.handle(req, zcl.ServerToClient)
}

func (h *Handler) handle(req *zcl.Request, dir zcl.Direction) zcl.Status {
	id := req.Frame.Header.CommandID
	cmd, err := Decode(dir, id, req.Frame.Payload)
	if err != nil {
		h.logger.Debug("gp command rejected", "cmd", fmt.Sprintf("0x%02X", id), "dir", dir,
			"src", fmt.Sprintf("0x%04X", req.Frame.SrcAddr), "err", err)
		return zcl.StatusOf(err)
	}
	if h.cb == nil {
		return zcl.StatusSuccess
	}
	return h.cb(req, cmd)
}

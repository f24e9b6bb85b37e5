package ota

import (
	"fmt"

	"zigbee-zcl/internal/zcl"
)

// Command is a decoded OTA Upgrade command.
type Command interface {
	zcl.Encoder
	zcl.Decoder
	CommandID() uint8
	Direction() zcl.Direction
}

func newClientCommand(id uint8) Command {
	switch id {
	case CmdQueryNextImageRequest:
		return &QueryNextImageRequest{}
	case CmdImageBlockRequest:
		return &ImageBlockRequest{}
	case CmdImagePageRequest:
		return &ImagePageRequest{}
	case CmdUpgradeEndRequest:
		return &UpgradeEndRequest{}
	case CmdQueryDeviceSpecificFileRequest:
		return &QueryDeviceSpecificFileRequest{}
	}
	return nil
}

func newServerCommand(id uint8) Command {
	switch id {
	case CmdImageNotify:
		return &ImageNotify{}
	case CmdQueryNextImageResponse:
		return &QueryNextImageResponse{}
	case CmdUpgradeEndResponse:
		return &UpgradeEndResponse{}
	case CmdQueryDeviceSpecificFileResponse:
		return &QueryDeviceSpecificFileResponse{}
	}
	return nil
}

// Decode parses an OTA command payload. Image Block Responses decode to
// their status-selected variant.
func Decode(dir zcl.Direction, commandID uint8, payload []byte) (Command, error) {
	if dir == zcl.ServerToClient && commandID == CmdImageBlockResponse {
		rsp, err := DecodeImageBlockResponse(payload)
		if err != nil {
			return nil, fmt.Errorf("ota: decode image block response: %w", err)
		}
		return rsp, nil
	}
	var cmd Command
	if dir == zcl.ClientToServer {
		cmd = newClientCommand(commandID)
	} else {
		cmd = newServerCommand(commandID)
	}
	if cmd == nil {
		return nil, fmt.Errorf("ota: command 0x%02X (%s): %w", commandID, dir, zcl.StatusUnsupClusterCommand)
	}
	if err := zcl.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("ota: decode command 0x%02X: %w", commandID, err)
	}
	return cmd, nil
}

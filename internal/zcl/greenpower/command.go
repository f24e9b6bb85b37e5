package greenpower

import (
	"fmt"

	"zigbee-zcl/internal/zcl"
)

// Command is a decoded Green Power command.
type Command interface {
	zcl.Encoder
	zcl.Decoder
	CommandID() uint8
	Direction() zcl.Direction
}

// newClientCommand returns an empty client-generated command.
func newClientCommand(id uint8) Command {
	switch id {
	case CmdNotification:
		return &Notification{}
	case CmdCommissioningNotification:
		return &CommissioningNotification{}
	case CmdSinkCommissioningMode:
		return &SinkCommissioningMode{}
	case CmdPairingConfiguration:
		return &PairingConfiguration{}
	case CmdSinkTableRequest:
		return &SinkTableRequest{}
	case CmdProxyTableResponse:
		return &ProxyTableResponse{}
	case CmdTranslationTableRequest:
		return &TranslationTableRequest{}
	case CmdTranslationTableUpdate:
		return &TranslationTableUpdate{}
	}
	return nil
}

// newServerCommand returns an empty server-generated command.
func newServerCommand(id uint8) Command {
	switch id {
	case CmdPairing:
		return &Pairing{}
	case CmdProxyCommissioningMode:
		return &ProxyCommissioningMode{}
	case CmdResponse:
		return &Response{}
	case CmdSinkTableResponse:
		return &SinkTableResponse{}
	case CmdProxyTableRequest:
		return &ProxyTableRequest{}
	case CmdTranslationTableResponse:
		return &TranslationTableResponse{}
	}
	return nil
}

// Decode parses a GP command payload. The direction selects the command
// set; an unknown ID fails with StatusUnsupClusterCommand and a short
// payload with StatusInvalidField.
func Decode(dir zcl.Direction, commandID uint8, payload []byte) (Command, error) {
	var cmd Command
	if dir == zcl.ClientToServer {
		cmd = newClientCommand(commandID)
	} else {
		cmd = newServerCommand(commandID)
	}
	if cmd == nil {
		return nil, fmt.Errorf("greenpower: command 0x%02X (%s): %w", commandID, dir, zcl.StatusUnsupClusterCommand)
	}
	if err := zcl.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("greenpower: decode command 0x%02X: %w", commandID, err)
	}
	return cmd, nil
}

// Package ncp is the host side of the serial link to the radio co-processor.
// Frames are HDLC framed APS data requests, indications and confirms.
package ncp

import (
	"errors"
	"fmt"

	"zigbee-zcl/internal/zcl"
)

// Transport carries ZCL frames to and from the radio.
type Transport interface {
	zcl.Sender

	// OnIndication sets the callback for received APS data indications.
	// It runs on the read loop goroutine, so it must not wait for a
	// SendFrame to complete.
	OnIndication(handler func(Indication))

	Close() error
}

// Indication is one APS data indication. Frame carries the addressing only;
// the ZCL header and payload are still raw in ASDU.
type Indication struct {
	Frame zcl.IncomingFrame
	ASDU  []byte
}

// ErrClosed is returned by SendFrame after Close.
var ErrClosed = errors.New("ncp: link closed")

// ConfirmError reports a non-zero status in an APS data confirm.
type ConfirmError struct {
	Status uint8
}

func (e *ConfirmError) Error() string {
	return fmt.Sprintf("ncp: data confirm status 0x%02X", e.Status)
}

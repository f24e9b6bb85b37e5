package zcl

import (
	"errors"
	"fmt"
)

// Status is a ZCL status code. It implements error so codec and registry
// functions can return it directly.
type Status uint8

const (
	StatusSuccess                 Status = 0x00
	StatusFailure                 Status = 0x01
	StatusNotAuthorized           Status = 0x7E
	StatusMalformedCommand        Status = 0x80
	StatusUnsupClusterCommand     Status = 0x81
	StatusUnsupGeneralCommand     Status = 0x82
	StatusUnsupManuClusterCommand Status = 0x83
	StatusUnsupManuGeneralCommand Status = 0x84
	StatusInvalidField            Status = 0x85
	StatusUnsupportedAttribute    Status = 0x86
	StatusInvalidValue            Status = 0x87
	StatusReadOnly                Status = 0x88
	StatusInsufficientSpace       Status = 0x89
	StatusDuplicateExists         Status = 0x8A
	StatusNotFound                Status = 0x8B
	StatusUnreportableAttribute   Status = 0x8C
	StatusInvalidDataType         Status = 0x8D
	StatusWriteOnly               Status = 0x8F
	StatusTimeout                 Status = 0x94
	StatusAbort                   Status = 0x95
	StatusInvalidImage            Status = 0x96
	StatusWaitForData             Status = 0x97
	StatusNoImageAvailable        Status = 0x98
	StatusRequireMoreImage        Status = 0x99
	StatusHardwareFailure         Status = 0xC0
	StatusSoftwareFailure         Status = 0xC1

	// StatusCmdHasResponse is internal: the processor already replied, so
	// no default response is generated. It never goes on the wire.
	StatusCmdHasResponse Status = 0xFF
)

var statusNames = map[Status]string{
	StatusSuccess:                 "SUCCESS",
	StatusFailure:                 "FAILURE",
	StatusNotAuthorized:           "NOT_AUTHORIZED",
	StatusMalformedCommand:        "MALFORMED_COMMAND",
	StatusUnsupClusterCommand:     "UNSUP_CLUSTER_COMMAND",
	StatusUnsupGeneralCommand:     "UNSUP_GENERAL_COMMAND",
	StatusUnsupManuClusterCommand: "UNSUP_MANUF_CLUSTER_COMMAND",
	StatusUnsupManuGeneralCommand: "UNSUP_MANUF_GENERAL_COMMAND",
	StatusInvalidField:            "INVALID_FIELD",
	StatusUnsupportedAttribute:    "UNSUPPORTED_ATTRIBUTE",
	StatusInvalidValue:            "INVALID_VALUE",
	StatusReadOnly:                "READ_ONLY",
	StatusInsufficientSpace:       "INSUFFICIENT_SPACE",
	StatusDuplicateExists:         "DUPLICATE_EXISTS",
	StatusNotFound:                "NOT_FOUND",
	StatusUnreportableAttribute:   "UNREPORTABLE_ATTRIBUTE",
	StatusInvalidDataType:         "INVALID_DATA_TYPE",
	StatusWriteOnly:               "WRITE_ONLY",
	StatusTimeout:                 "TIMEOUT",
	StatusAbort:                   "ABORT",
	StatusInvalidImage:            "INVALID_IMAGE",
	StatusWaitForData:             "WAIT_FOR_DATA",
	StatusNoImageAvailable:        "NO_IMAGE_AVAILABLE",
	StatusRequireMoreImage:        "REQUIRE_MORE_IMAGE",
	StatusHardwareFailure:         "HARDWARE_FAILURE",
	StatusSoftwareFailure:         "SOFTWARE_FAILURE",
	StatusCmdHasResponse:          "CMD_HAS_RESPONSE",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_0x%02X", uint8(s))
}

func (s Status) Error() string {
	return "zcl: " + s.String()
}

// StatusOf maps an error to the status it carries. nil is Success and an
// error without a Status in its chain is Failure.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusFailure
}

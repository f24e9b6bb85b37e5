package store

import (
	"errors"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Access policy of the ZCL stack
	zcl.PolicyStore

	// Green Power sink table
	greenpower.SinkStore
	ListSinkRecords() ([]SinkRecord, error)

	// OTA upgrade files served to clients
	ota.ImageProvider
	AddImage(data []byte) (ImageInfo, error)
	ListImages() ([]ImageInfo, error)
	DeleteImage(key string) error

	// OTA client download progress
	ota.SessionStore

	// Close the store
	Close() error
}

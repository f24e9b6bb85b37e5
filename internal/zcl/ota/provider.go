package ota

import (
	"fmt"
	"sort"
	"sync"

	"zigbee-zcl/internal/zcl"
)

// ImageProvider supplies upgrade files to the server. Lookups that find
// nothing return an error wrapping ErrNoImage.
type ImageProvider interface {
	// FindImage returns the newest general image for manufacturer and
	// imageType. Wildcard matches any.
	FindImage(manufacturer, imageType uint16) (ImageHeader, error)
	// FindDeviceFile returns the newest file addressed to ieee.
	FindDeviceFile(ieee zcl.IEEEAddr, manufacturer, imageType uint16) (ImageHeader, error)
	// ReadImage returns up to n bytes of the file described by h starting
	// at offset.
	ReadImage(h ImageHeader, offset uint32, n int) ([]byte, error)
}

// MemoryProvider is an in-process ImageProvider.
type MemoryProvider struct {
	mu     sync.RWMutex
	images []memImage
}

type memImage struct {
	header ImageHeader
	data   []byte
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

// Add parses an upgrade file and stores it, replacing a file with the same
// identity and destination.
func (p *MemoryProvider) Add(data []byte) (ImageHeader, error) {
	h, _, err := ParseImage(data)
	if err != nil {
		return h, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.images {
		if sameFile(&p.images[i].header, &h) {
			p.images[i] = memImage{header: h, data: data}
			return h, nil
		}
	}
	p.images = append(p.images, memImage{header: h, data: data})
	sort.SliceStable(p.images, func(i, j int) bool {
		return p.images[i].header.FileVersion > p.images[j].header.FileVersion
	})
	return h, nil
}

func sameFile(a, b *ImageHeader) bool {
	if a.Manufacturer != b.Manufacturer || a.ImageType != b.ImageType || a.FileVersion != b.FileVersion {
		return false
	}
	if a.Destination == nil || b.Destination == nil {
		return a.Destination == b.Destination
	}
	return *a.Destination == *b.Destination
}

func (p *MemoryProvider) FindImage(manufacturer, imageType uint16) (ImageHeader, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, img := range p.images {
		if img.header.Destination == nil && img.header.Matches(manufacturer, imageType) {
			return img.header, nil
		}
	}
	return ImageHeader{}, fmt.Errorf("image 0x%04X/0x%04X: %w", manufacturer, imageType, ErrNoImage)
}

func (p *MemoryProvider) FindDeviceFile(ieee zcl.IEEEAddr, manufacturer, imageType uint16) (ImageHeader, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, img := range p.images {
		if d := img.header.Destination; d != nil && *d == ieee && img.header.Matches(manufacturer, imageType) {
			return img.header, nil
		}
	}
	return ImageHeader{}, fmt.Errorf("device file for %s: %w", ieee, ErrNoImage)
}

func (p *MemoryProvider) ReadImage(h ImageHeader, offset uint32, n int) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, img := range p.images {
		if sameFile(&img.header, &h) {
			return readAt(img.data, offset, n), nil
		}
	}
	return nil, fmt.Errorf("image 0x%04X/0x%04X v0x%08X: %w", h.Manufacturer, h.ImageType, h.FileVersion, ErrNoImage)
}

// readAt returns a copy of up to n bytes of data at offset.
func readAt(data []byte, offset uint32, n int) []byte {
	if uint64(offset) >= uint64(len(data)) {
		return nil
	}
	end := min(len(data), int(offset)+n)
	out := make([]byte, end-int(offset))
	copy(out, data[offset:end])
	return out
}

package zcl

import (
	"fmt"
	"sync"
)

// AttributeStore is the attribute get/set collaborator. Get on an unknown
// attribute fails with StatusNotFound; Set with StatusUnsupportedAttribute.
type AttributeStore interface {
	Get(endpoint uint8, clusterID, attrID uint16) (any, error)
	Set(endpoint uint8, clusterID, attrID uint16, value any) error
}

// AttributeSeeder is implemented by stores that accept attribute tables
// at registration time.
type AttributeSeeder interface {
	Define(endpoint uint8, clusterID uint16, defs []AttributeDef)
}

type attrKey struct {
	endpoint uint8
	cluster  uint16
	attr     uint16
}

// MemoryStore is an in-process AttributeStore.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[attrKey]any
	onChange func(endpoint uint8, clusterID, attrID uint16, value any)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[attrKey]any)}
}

// OnChange installs a hook called after each successful Set.
func (m *MemoryStore) OnChange(fn func(endpoint uint8, clusterID, attrID uint16, value any)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Define creates the attributes with their default values. Attributes that
// already exist keep their value.
func (m *MemoryStore) Define(endpoint uint8, clusterID uint16, defs []AttributeDef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range defs {
		k := attrKey{endpoint, clusterID, d.ID}
		if _, ok := m.values[k]; !ok {
			m.values[k] = d.Default
		}
	}
}

func (m *MemoryStore) Get(endpoint uint8, clusterID, attrID uint16) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[attrKey{endpoint, clusterID, attrID}]
	if !ok {
		return nil, fmt.Errorf("attribute %d/0x%04X/0x%04X: %w", endpoint, clusterID, attrID, StatusNotFound)
	}
	return v, nil
}

func (m *MemoryStore) Set(endpoint uint8, clusterID, attrID uint16, value any) error {
	m.mu.Lock()
	k := attrKey{endpoint, clusterID, attrID}
	if _, ok := m.values[k]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("attribute %d/0x%04X/0x%04X: %w", endpoint, clusterID, attrID, StatusUnsupportedAttribute)
	}
	m.values[k] = value
	hook := m.onChange
	m.mu.Unlock()
	if hook != nil {
		hook(endpoint, clusterID, attrID, value)
	}
	return nil
}

// GetUint reads an integer attribute. A nil value reads as zero.
func GetUint(s AttributeStore, endpoint uint8, clusterID, attrID uint16) (uint64, error) {
	v, err := s.Get(endpoint, clusterID, attrID)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	if b, ok := v.(bool); ok {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	n, ok := toUint64(v)
	if !ok {
		return 0, fmt.Errorf("attribute 0x%04X holds %T: %w", attrID, v, StatusInvalidDataType)
	}
	return n, nil
}

// GetIEEE reads an EUI64 attribute.
func GetIEEE(s AttributeStore, endpoint uint8, clusterID, attrID uint16) (IEEEAddr, error) {
	v, err := s.Get(endpoint, clusterID, attrID)
	if err != nil {
		return IEEEAddr{}, err
	}
	switch a := v.(type) {
	case IEEEAddr:
		return a, nil
	case [8]byte:
		return IEEEAddr(a), nil
	case nil:
		return IEEEAddr{}, nil
	}
	return IEEEAddr{}, fmt.Errorf("attribute 0x%04X holds %T: %w", attrID, v, StatusInvalidDataType)
}

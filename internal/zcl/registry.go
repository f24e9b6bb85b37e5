package zcl

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Processor handles the cluster-specific commands of one registration.
// HandleClientCommand receives client-to-server frames and
// HandleServerCommand server-to-client frames. Unknown command IDs return
// StatusUnsupClusterCommand.
type Processor interface {
	HandleClientCommand(req *Request) Status
	HandleServerCommand(req *Request) Status
}

// Registration binds a cluster instance to an endpoint. The application
// callback is carried by the Processor.
type Registration struct {
	Endpoint         uint8          `json:"endpoint"`
	ClusterID        uint16         `json:"cluster_id"`
	ManufacturerCode uint16         `json:"manufacturer_code,omitempty"`
	Attributes       []AttributeDef `json:"attributes,omitempty"`
	Processor        Processor      `json:"-"`
}

// FindAttribute looks up an attribute of the registration by ID.
func (r *Registration) FindAttribute(id uint16) *AttributeDef {
	for i := range r.Attributes {
		if r.Attributes[i].ID == id {
			return &r.Attributes[i]
		}
	}
	return nil
}

type regKey struct {
	endpoint uint8
	cluster  uint16
}

// Registry holds the cluster registrations keyed by (endpoint, cluster).
type Registry struct {
	mu     sync.RWMutex
	regs   map[regKey]*Registration
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		regs:   make(map[regKey]*Registration),
		logger: logger,
	}
}

// Register adds a registration. A second registration for the same
// (endpoint, cluster) fails with StatusDuplicateExists and leaves the first
// one in place.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := regKey{reg.Endpoint, reg.ClusterID}
	if _, ok := r.regs[k]; ok {
		return fmt.Errorf("register endpoint %d cluster 0x%04X: %w", reg.Endpoint, reg.ClusterID, StatusDuplicateExists)
	}
	clone := reg
	r.regs[k] = &clone
	r.logger.Debug("cluster registered", "endpoint", reg.Endpoint, "cluster", fmt.Sprintf("0x%04X", reg.ClusterID),
		"attributes", len(reg.Attributes))
	return nil
}

// Lookup returns the registration for (endpoint, cluster).
func (r *Registry) Lookup(endpoint uint8, clusterID uint16) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[regKey{endpoint, clusterID}]
	return reg, ok
}

// All returns the registrations ordered by endpoint then cluster.
func (r *Registry) All() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Endpoint != out[j].Endpoint {
			return out[i].Endpoint < out[j].Endpoint
		}
		return out[i].ClusterID < out[j].ClusterID
	})
	return out
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

package zcl

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// MaxPolicyClusters caps each cluster list of the access policy.
const MaxPolicyClusters = 10

// PolicyState is the persisted form of the access policy.
type PolicyState struct {
	// LinkKeyAuth enables APS link-key authorization. When enabled, frames
	// without APS security are accepted only for LinkKeyClusters; when
	// disabled, LinkKeyClusters are the clusters that still require it.
	LinkKeyAuth     bool     `json:"link_key_auth"`
	LinkKeyClusters []uint16 `json:"link_key_clusters"`
	AckClusters     []uint16 `json:"ack_clusters"`
}

// PolicyStore persists the policy. Load returns ok=false when nothing has
// been saved yet.
type PolicyStore interface {
	LoadPolicy() (state PolicyState, ok bool, err error)
	SavePolicy(state PolicyState) error
}

// Policy is the per-stack access policy: link-key authorization exemptions
// and the clusters whose unicasts require APS acknowledgements.
type Policy struct {
	mu     sync.RWMutex
	state  PolicyState
	store  PolicyStore
	logger *slog.Logger
}

// NewPolicy restores the policy from store, falling back to an empty one.
func NewPolicy(store PolicyStore, logger *slog.Logger) *Policy {
	p := &Policy{store: store, logger: logger}
	if store == nil {
		return p
	}
	st, ok, err := store.LoadPolicy()
	switch {
	case err != nil:
		logger.Warn("restore access policy", "err", err)
	case ok:
		if len(st.LinkKeyClusters) > MaxPolicyClusters {
			st.LinkKeyClusters = st.LinkKeyClusters[:MaxPolicyClusters]
		}
		if len(st.AckClusters) > MaxPolicyClusters {
			st.AckClusters = st.AckClusters[:MaxPolicyClusters]
		}
		p.state = st
	}
	return p
}

// Accept reports whether a frame for cluster passes link-key authorization.
func (p *Policy) Accept(clusterID uint16, apsSecured bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	listed := slices.Contains(p.state.LinkKeyClusters, clusterID)
	if !p.state.LinkKeyAuth {
		return !(listed && !apsSecured)
	}
	return apsSecured || listed
}

// AckRequired reports whether unicasts for cluster request APS ACKs.
func (p *Policy) AckRequired(clusterID uint16) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Contains(p.state.AckClusters, clusterID)
}

// SetLinkKeyAuth replaces the link-key authorization setting.
func (p *Policy) SetLinkKeyAuth(enabled bool, clusters []uint16) error {
	if len(clusters) > MaxPolicyClusters {
		return fmt.Errorf("link key clusters: %d entries, max %d: %w", len(clusters), MaxPolicyClusters, StatusInsufficientSpace)
	}
	p.mu.Lock()
	p.state.LinkKeyAuth = enabled
	p.state.LinkKeyClusters = slices.Clone(clusters)
	st := p.cloneLocked()
	p.mu.Unlock()
	return p.save(st)
}

// SetAckRequired replaces the APS ACK cluster list.
func (p *Policy) SetAckRequired(clusters []uint16) error {
	if len(clusters) > MaxPolicyClusters {
		return fmt.Errorf("ack clusters: %d entries, max %d: %w", len(clusters), MaxPolicyClusters, StatusInsufficientSpace)
	}
	p.mu.Lock()
	p.state.AckClusters = slices.Clone(clusters)
	st := p.cloneLocked()
	p.mu.Unlock()
	return p.save(st)
}

// State returns a copy of the current policy.
func (p *Policy) State() PolicyState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cloneLocked()
}

func (p *Policy) cloneLocked() PolicyState {
	return PolicyState{
		LinkKeyAuth:     p.state.LinkKeyAuth,
		LinkKeyClusters: slices.Clone(p.state.LinkKeyClusters),
		AckClusters:     slices.Clone(p.state.AckClusters),
	}
}

func (p *Policy) save(st PolicyState) error {
	if p.store == nil {
		return nil
	}
	if err := p.store.SavePolicy(st); err != nil {
		return fmt.Errorf("save access policy: %w", err)
	}
	return nil
}

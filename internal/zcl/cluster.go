package zcl

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Access flags
const (
	AccessRead   uint8 = 0x01
	AccessWrite  uint8 = 0x02
	AccessReport uint8 = 0x04
)

// AttributeDef describes one attribute of a cluster instance.
type AttributeDef struct {
	ID      uint16 `json:"id"`
	Name    string `json:"name"`
	Type    uint8  `json:"type"`
	Access  uint8  `json:"access"` // bitmask: 1=read, 2=write, 4=reportable
	Default any    `json:"default,omitempty"`
}

func (a *AttributeDef) IsReadable() bool   { return a.Access&AccessRead != 0 }
func (a *AttributeDef) IsWritable() bool   { return a.Access&AccessWrite != 0 }
func (a *AttributeDef) IsReportable() bool { return a.Access&AccessReport != 0 }

// CommandDef names a cluster-specific command.
type CommandDef struct {
	ID        uint8     `json:"id"`
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
}

// ClusterDef is the static description of a cluster: its name, attribute
// table and command names.
type ClusterDef struct {
	ID         uint16         `json:"id"`
	Name       string         `json:"name"`
	Attributes []AttributeDef `json:"attributes,omitempty"`
	Commands   []CommandDef   `json:"commands,omitempty"`
}

// FindAttribute looks up an attribute by ID.
func (c *ClusterDef) FindAttribute(id uint16) *AttributeDef {
	for i := range c.Attributes {
		if c.Attributes[i].ID == id {
			return &c.Attributes[i]
		}
	}
	return nil
}

// FindCommand looks up a command by ID and direction.
func (c *ClusterDef) FindCommand(id uint8, dir Direction) *CommandDef {
	for i := range c.Commands {
		if c.Commands[i].ID == id && c.Commands[i].Direction == dir {
			return &c.Commands[i]
		}
	}
	return nil
}

// AttributesWith returns a copy of the attribute table with defaults
// overridden by id.
func (c *ClusterDef) AttributesWith(defaults map[uint16]any) []AttributeDef {
	out := make([]AttributeDef, len(c.Attributes))
	copy(out, c.Attributes)
	for i := range out {
		if v, ok := defaults[out[i].ID]; ok {
			out[i].Default = v
		}
	}
	return out
}

// Catalog holds the known cluster definitions, used to name clusters and
// commands and to build attribute tables for registrations.
type Catalog struct {
	mu       sync.RWMutex
	clusters map[uint16]ClusterDef
	logger   *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		clusters: make(map[uint16]ClusterDef),
		logger:   logger,
	}
}

// Add stores a cluster definition, replacing an earlier one with the same ID.
func (c *Catalog) Add(defs ...ClusterDef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range defs {
		c.clusters[d.ID] = d
		c.logger.Debug("cluster defined", "id", fmt.Sprintf("0x%04X", d.ID), "name", d.Name)
	}
}

// Get returns a cluster definition by ID.
func (c *Catalog) Get(id uint16) (ClusterDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.clusters[id]
	return d, ok
}

// Name returns the cluster name or its hex ID when unknown.
func (c *Catalog) Name(id uint16) string {
	if d, ok := c.Get(id); ok {
		return d.Name
	}
	return fmt.Sprintf("0x%04X", id)
}

// CommandName returns the command name or its hex ID when unknown.
func (c *Catalog) CommandName(cluster uint16, cmd uint8, dir Direction) string {
	if d, ok := c.Get(cluster); ok {
		if cd := d.FindCommand(cmd, dir); cd != nil {
			return cd.Name
		}
	}
	return fmt.Sprintf("0x%02X", cmd)
}

// All returns the definitions sorted by cluster ID.
func (c *Catalog) All() []ClusterDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ClusterDef, 0, len(c.clusters))
	for _, d := range c.clusters {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

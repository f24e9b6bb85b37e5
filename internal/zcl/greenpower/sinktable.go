package greenpower

import (
	"fmt"
	"log/slog"
	"sync"

	"zigbee-zcl/internal/zcl"
)

// MaxSinkGroups is the group list capacity of one sink entry.
const MaxSinkGroups = 2

// SinkEntry is one paired GPD.
type SinkEntry struct {
	GPD             GPDID
	CommMode        CommMode
	SeqNumCap       bool
	RxOnCap         bool
	FixedLocation   bool
	DeviceID        uint8
	Groups          []GroupAlias
	Alias           *uint16
	GroupcastRadius uint8
	// Security is set when the GPD uses security; the key is carried with it.
	Security     *SecurityOptions
	FrameCounter uint32
	Key          [16]byte
}

// TracksCounter reports whether notifications must carry an advancing
// frame counter.
func (e *SinkEntry) TracksCounter() bool { return e.SeqNumCap || e.Security != nil }

func (e *SinkEntry) options() uint16 {
	return uint16(uint32(appOf(e.GPD)) | uint32(e.CommMode&0x03)<<3 |
		bit(e.SeqNumCap, 5) | bit(e.RxOnCap, 6) | bit(e.FixedLocation, 7) |
		bit(e.Alias != nil, 8) | bit(e.Security != nil, 9))
}

// Encode writes the entry in the sink table attribute format.
func (e *SinkEntry) Encode(w *zcl.Writer) {
	w.Uint16(e.options())
	putGPDID(w, e.GPD)
	w.Uint8(e.DeviceID)
	if e.CommMode == CommModePrecommissionedGroup {
		putGroupList(w, e.Groups)
	}
	if e.Alias != nil {
		w.Uint16(*e.Alias)
	}
	w.Uint8(e.GroupcastRadius)
	if e.Security != nil {
		w.Uint8(e.Security.bits())
	}
	if e.TracksCounter() {
		w.Uint32(e.FrameCounter)
	}
	if e.Security != nil {
		w.Bytes(e.Key[:])
	}
}

func (e *SinkEntry) Decode(r *zcl.Reader) {
	opts := uint32(r.Uint16())
	e.GPD = readGPDID(r, AppID(field(opts, 0, 3)))
	e.CommMode = CommMode(field(opts, 3, 2))
	e.SeqNumCap = has(opts, 5)
	e.RxOnCap = has(opts, 6)
	e.FixedLocation = has(opts, 7)
	e.DeviceID = r.Uint8()
	if e.CommMode == CommModePrecommissionedGroup {
		e.Groups = readGroupList(r)
	}
	if has(opts, 8) {
		alias := r.Uint16()
		e.Alias = &alias
	}
	e.GroupcastRadius = r.Uint8()
	if has(opts, 9) {
		sec := securityOptionsOf(r.Uint8())
		e.Security = &sec
	}
	if e.TracksCounter() {
		e.FrameCounter = r.Uint32()
	}
	if e.Security != nil {
		copy(e.Key[:], r.Bytes(16))
	}
}

// DecodeSinkEntry parses one entry in the sink table attribute format.
func DecodeSinkEntry(b []byte) (SinkEntry, error) {
	var e SinkEntry
	if err := zcl.Unmarshal(b, &e); err != nil {
		return SinkEntry{}, err
	}
	return e, nil
}

// SinkStore persists sink entries.
type SinkStore interface {
	LoadSinkEntries() ([]SinkEntry, error)
	SaveSinkEntry(e SinkEntry) error
	DeleteSinkEntry(id GPDID) error
}

// SinkTable holds the paired GPDs in insertion order.
type SinkTable struct {
	mu       sync.RWMutex
	entries  []SinkEntry
	capacity int
	store    SinkStore
	logger   *slog.Logger
}

// NewSinkTable creates a table holding up to capacity entries and restores
// it from store.
func NewSinkTable(capacity int, store SinkStore, logger *slog.Logger) *SinkTable {
	t := &SinkTable{capacity: capacity, store: store, logger: logger}
	if store == nil {
		return t
	}
	entries, err := store.LoadSinkEntries()
	if err != nil {
		logger.Warn("restore sink table", "err", err)
		return t
	}
	if len(entries) > capacity {
		logger.Warn("sink table truncated", "stored", len(entries), "capacity", capacity)
		entries = entries[:capacity]
	}
	t.entries = entries
	return t
}

func (t *SinkTable) indexLocked(id GPDID) int {
	for i := range t.entries {
		if t.entries[i].GPD == id {
			return i
		}
	}
	return -1
}

// Lookup returns the entry of id.
func (t *SinkTable) Lookup(id GPDID) (SinkEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := t.indexLocked(id); i >= 0 {
		return t.entries[i], true
	}
	return SinkEntry{}, false
}

// Upsert adds or replaces the entry of e.GPD. A full table fails with
// StatusInsufficientSpace.
func (t *SinkTable) Upsert(e SinkEntry) error {
	if len(e.Groups) > MaxSinkGroups {
		e.Groups = e.Groups[:MaxSinkGroups]
	}
	t.mu.Lock()
	if i := t.indexLocked(e.GPD); i >= 0 {
		t.entries[i] = e
	} else {
		if len(t.entries) >= t.capacity {
			t.mu.Unlock()
			return fmt.Errorf("sink table full (%d entries): %w", t.capacity, zcl.StatusInsufficientSpace)
		}
		t.entries = append(t.entries, e)
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.SaveSinkEntry(e); err != nil {
			return fmt.Errorf("save sink entry %s: %w", e.GPD, err)
		}
	}
	return nil
}

// Remove deletes the entry of id and reports whether it existed.
func (t *SinkTable) Remove(id GPDID) (bool, error) {
	t.mu.Lock()
	i := t.indexLocked(id)
	if i < 0 {
		t.mu.Unlock()
		return false, nil
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.DeleteSinkEntry(id); err != nil {
			return true, fmt.Errorf("delete sink entry %s: %w", id, err)
		}
	}
	return true, nil
}

// Entries returns a copy of all entries.
func (t *SinkTable) Entries() []SinkEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SinkEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *SinkTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Capacity returns the maximum number of entries.
func (t *SinkTable) Capacity() int { return t.capacity }

// encodedEntries is a run of entries in attribute format.
type encodedEntries []SinkEntry

func (es encodedEntries) Encode(w *zcl.Writer) {
	for i := range es {
		es[i].Encode(w)
	}
}

// AttributeValue returns the SinkTable attribute: every entry concatenated.
func (t *SinkTable) AttributeValue() []byte {
	return zcl.Marshal(encodedEntries(t.Entries()))
}

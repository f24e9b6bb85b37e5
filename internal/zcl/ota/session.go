package ota

import (
	"fmt"

	"zigbee-zcl/internal/zcl"
)

// Phase is the state of a client download session.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseQuerying
	PhaseDownloading
	PhaseWaiting // server answered WaitForData
	PhaseVerifying
	PhaseEnding // Upgrade End Request sent
	PhaseCountingDown
	PhaseDone
	PhaseAborted
)

var phaseNames = [...]string{
	PhaseIdle:         "idle",
	PhaseQuerying:     "querying",
	PhaseDownloading:  "downloading",
	PhaseWaiting:      "waiting",
	PhaseVerifying:    "verifying",
	PhaseEnding:       "ending",
	PhaseCountingDown: "counting_down",
	PhaseDone:         "done",
	PhaseAborted:      "aborted",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown ota phase %q", b)
}

// Active reports whether a session in this phase owns the client.
func (p Phase) Active() bool {
	return p >= PhaseQuerying && p <= PhaseCountingDown
}

// transferring reports whether block responses are expected.
func (p Phase) transferring() bool {
	return p == PhaseDownloading || p == PhaseWaiting
}

// Session is the explicit state of one client download.
type Session struct {
	Phase  Phase           `json:"phase"`
	Server zcl.Destination `json:"server"`
	Image  ImageDescriptor `json:"image"`
	Offset uint32          `json:"offset"`
	// BlockDelay spaces block requests, in milliseconds.
	BlockDelay uint16 `json:"block_delay"`
	Retries    int    `json:"retries"`
	EndRetries int    `json:"end_retries"`
	// WaitToUpgrade is set while the server withholds the upgrade time.
	WaitToUpgrade bool `json:"wait_to_upgrade,omitempty"`
	// Data is the file downloaded so far. It is stored apart from the
	// session record through SessionStore.AppendData.
	Data []byte `json:"-"`
}

// Progress returns the downloaded fraction in percent.
func (s *Session) Progress() int {
	if s.Image.Size == 0 {
		return 0
	}
	return int(uint64(s.Offset) * 100 / uint64(s.Image.Size))
}

// resumable reports whether a saved session can continue downloading img.
func (s *Session) resumable(img ImageDescriptor) bool {
	return s.Image == img && s.Offset > 0 && s.Offset <= img.Size && len(s.Data) == int(s.Offset)
}

// SessionStore persists the client session so a restart resumes from the
// saved offset. SaveSession stores the record without Data. AppendData
// stores downloaded bytes at offset and drops anything saved at or past it.
// LoadSession returns nil when nothing is saved; otherwise Data holds the
// bytes appended contiguously from offset 0 and Offset is their length.
type SessionStore interface {
	LoadSession() (*Session, error)
	SaveSession(s *Session) error
	AppendData(offset uint32, data []byte) error
	ClearSession() error
}

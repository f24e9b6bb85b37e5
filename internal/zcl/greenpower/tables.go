package greenpower

import (
	"fmt"

	"zigbee-zcl/internal/zcl"
)

// Table request types
const (
	requestByGPDID uint8 = 0
	requestByIndex uint8 = 1
)

// TableRequest asks for sink or proxy table entries, either the entry of
// one GPD or the entries from an index.
type TableRequest struct {
	GPD   GPDID // by GPD ID when set
	Index uint8 // by index when GPD is nil
}

func (t *TableRequest) Encode(w *zcl.Writer) {
	if t.GPD != nil {
		w.Uint8(uint8(appOf(t.GPD)) | requestByGPDID<<3)
		putGPDID(w, t.GPD)
		return
	}
	w.Uint8(uint8(AppIDSrcID) | requestByIndex<<3)
	w.Uint8(t.Index)
}

func (t *TableRequest) Decode(r *zcl.Reader) {
	opts := uint32(r.Uint8())
	switch field(opts, 3, 2) {
	case requestByGPDID:
		t.GPD = readGPDID(r, AppID(field(opts, 0, 3)))
	case requestByIndex:
		t.Index = r.Uint8()
	default:
		r.Fail(fmt.Errorf("greenpower: table request type %d: %w", field(opts, 3, 2), zcl.StatusInvalidField))
	}
}

// SinkTableRequest is a TableRequest for the sink table.
type SinkTableRequest struct{ TableRequest }

func (*SinkTableRequest) CommandID() uint8 { return CmdSinkTableRequest }
func (*SinkTableRequest) Direction() zcl.Direction { return zcl.ClientToServer }

// ProxyTableRequest is a TableRequest for a proxy table.
type ProxyTableRequest struct{ TableRequest }

func (*ProxyTableRequest) CommandID() uint8 { return CmdProxyTableRequest }
func (*ProxyTableRequest) Direction() zcl.Direction { return zcl.ServerToClient }

// TableResponse carries encoded table entries.
type TableResponse struct {
	Status     zcl.Status
	Total      uint8
	StartIndex uint8
	Count      uint8
	Entries    []byte
}

func (t *TableResponse) Encode(w *zcl.Writer) {
	w.Uint8(uint8(t.Status))
	w.Uint8(t.Total)
	w.Uint8(t.StartIndex)
	w.Uint8(t.Count)
	w.Bytes(t.Entries)
}

func (t *TableResponse) Decode(r *zcl.Reader) {
	t.Status = zcl.Status(r.Uint8())
	t.Total = r.Uint8()
	t.StartIndex = r.Uint8()
	t.Count = r.Uint8()
	t.Entries = r.Rest()
}

// SinkTableResponse answers a SinkTableRequest.
type SinkTableResponse struct{ TableResponse }

func (*SinkTableResponse) CommandID() uint8 { return CmdSinkTableResponse }
func (*SinkTableResponse) Direction() zcl.Direction { return zcl.ServerToClient }

// ProxyTableResponse answers a ProxyTableRequest.
type ProxyTableResponse struct{ TableResponse }

func (*ProxyTableResponse) CommandID() uint8 { return CmdProxyTableResponse }
func (*ProxyTableResponse) Direction() zcl.Direction { return zcl.ClientToServer }

// TranslationTableRequest asks for translation entries from StartIndex.
type TranslationTableRequest struct {
	StartIndex uint8
}

func (*TranslationTableRequest) CommandID() uint8 { return CmdTranslationTableRequest }
func (*TranslationTableRequest) Direction() zcl.Direction { return zcl.ClientToServer }

func (t *TranslationTableRequest) Encode(w *zcl.Writer) { w.Uint8(t.StartIndex) }
func (t *TranslationTableRequest) Decode(r *zcl.Reader) { t.StartIndex = r.Uint8() }

// TranslationTableResponse carries encoded translation entries.
type TranslationTableResponse struct {
	Status     zcl.Status
	AppID      AppID
	AddInfo    bool
	Total      uint8
	StartIndex uint8
	Count      uint8
	Entries    []byte
}

func (*TranslationTableResponse) CommandID() uint8 { return CmdTranslationTableResponse }
func (*TranslationTableResponse) Direction() zcl.Direction { return zcl.ServerToClient }

func (t *TranslationTableResponse) Encode(w *zcl.Writer) {
	w.Uint8(uint8(t.Status))
	w.Uint8(uint8(t.AppID)&0x07 | uint8(bit(t.AddInfo, 3)))
	w.Uint8(t.Total)
	w.Uint8(t.StartIndex)
	w.Uint8(t.Count)
	w.Bytes(t.Entries)
}

func (t *TranslationTableResponse) Decode(r *zcl.Reader) {
	t.Status = zcl.Status(r.Uint8())
	opts := uint32(r.Uint8())
	t.AppID = AppID(field(opts, 0, 3))
	t.AddInfo = has(opts, 3)
	t.Total = r.Uint8()
	t.StartIndex = r.Uint8()
	t.Count = r.Uint8()
	t.Entries = r.Rest()
}

// TranslationTableUpdate changes translation entries of one GPD. The
// translations themselves are kept encoded.
type TranslationTableUpdate struct {
	GPD          GPDID
	Action       uint8
	Count        uint8
	AddInfo      bool
	Translations []byte
}

func (*TranslationTableUpdate) CommandID() uint8 { return CmdTranslationTableUpdate }
func (*TranslationTableUpdate) Direction() zcl.Direction { return zcl.ClientToServer }

func (t *TranslationTableUpdate) Encode(w *zcl.Writer) {
	w.Uint16(uint16(uint32(appOf(t.GPD)) | uint32(t.Action&0x03)<<3 |
		uint32(t.Count&0x07)<<5 | bit(t.AddInfo, 8)))
	putGPDID(w, t.GPD)
	w.Bytes(t.Translations)
}

func (t *TranslationTableUpdate) Decode(r *zcl.Reader) {
	opts := uint32(r.Uint16())
	t.Action = field(opts, 3, 2)
	t.Count = field(opts, 5, 3)
	t.AddInfo = has(opts, 8)
	t.GPD = readGPDID(r, AppID(field(opts, 0, 3)))
	t.Translations = r.Rest()
}

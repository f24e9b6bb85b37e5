package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

var _ Store = (*BoltStore)(nil)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testImage(version uint32, dst *zcl.IEEEAddr) []byte {
	h := &ota.ImageHeader{
		Manufacturer: 0x1037,
		ImageType:    0x0102,
		FileVersion:  version,
		StackVersion: ota.StackZigBeePro,
		HeaderString: "store test",
		Destination:  dst,
	}
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(version) + byte(i)
	}
	return ota.BuildImage(h, ota.Element{Tag: ota.TagUpgradeImage, Data: payload})
}

func TestPolicyPersistence(t *testing.T) {
	s := newTestStore(t)

	if _, ok, err := s.LoadPolicy(); err != nil || ok {
		t.Fatalf("empty store: ok = %v, err = %v", ok, err)
	}

	state := zcl.PolicyState{LinkKeyAuth: true, LinkKeyClusters: []uint16{0x0000, 0x0019}, AckClusters: []uint16{0x0006}}
	if err := s.SavePolicy(state); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LoadPolicy()
	if err != nil || !ok {
		t.Fatalf("LoadPolicy: ok = %v, err = %v", ok, err)
	}
	if !got.LinkKeyAuth || len(got.LinkKeyClusters) != 2 || got.LinkKeyClusters[1] != 0x0019 {
		t.Errorf("policy = %+v", got)
	}
	if len(got.AckClusters) != 1 || got.AckClusters[0] != 0x0006 {
		t.Errorf("ack clusters = %v", got.AckClusters)
	}
}

func TestPolicyRestoredByStack(t *testing.T) {
	s := newTestStore(t)
	if err := s.SavePolicy(zcl.PolicyState{AckClusters: []uint16{0x0006}}); err != nil {
		t.Fatal(err)
	}
	p := zcl.NewPolicy(s, slog.Default())
	if !p.AckRequired(0x0006) {
		t.Error("saved ack cluster not restored")
	}
	if err := p.SetLinkKeyAuth(true, []uint16{0x0021}); err != nil {
		t.Fatal(err)
	}
	got, _, _ := s.LoadPolicy()
	if !got.LinkKeyAuth || len(got.AckClusters) != 1 {
		t.Errorf("saved policy = %+v", got)
	}
}

func TestSinkEntries(t *testing.T) {
	s := newTestStore(t)

	alias := uint16(0x5678)
	secured := greenpower.SinkEntry{
		GPD:          greenpower.SrcID(0x12345678),
		CommMode:     greenpower.CommModeDerivedGroup,
		SeqNumCap:    true,
		DeviceID:     0x02,
		Alias:        &alias,
		Security:     &greenpower.SecurityOptions{Level: 2, KeyType: 4},
		FrameCounter: 77,
		Key:          [16]byte{0xC0, 0xC1, 0xC2, 0xC3, 0xC4, 0xC5, 0xC6, 0xC7, 0xC8, 0xC9, 0xCA, 0xCB, 0xCC, 0xCD, 0xCE, 0xCF},
	}
	addr := greenpower.GPDAddr{IEEE: zcl.IEEEAddr{1, 2, 3, 4, 5, 6, 7, 8}, Endpoint: 1}
	grouped := greenpower.SinkEntry{
		GPD:      addr,
		CommMode: greenpower.CommModePrecommissionedGroup,
		Groups:   []greenpower.GroupAlias{{Group: 0x0001, Alias: 0xFFFF}},
	}
	for _, e := range []greenpower.SinkEntry{secured, grouped} {
		if err := s.SaveSinkEntry(e); err != nil {
			t.Fatalf("SaveSinkEntry %s: %v", e.GPD, err)
		}
	}

	entries, err := s.LoadSinkEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	byID := make(map[string]greenpower.SinkEntry)
	for _, e := range entries {
		byID[e.GPD.String()] = e
	}
	got, ok := byID[secured.GPD.String()]
	if !ok {
		t.Fatal("secured entry missing")
	}
	if got.FrameCounter != 77 || got.Key != secured.Key || got.Security == nil || got.Security.Level != 2 {
		t.Errorf("secured entry = %+v", got)
	}
	if got.Alias == nil || *got.Alias != alias {
		t.Errorf("alias = %v", got.Alias)
	}
	g, ok := byID[addr.String()]
	if !ok || g.GPD != addr || len(g.Groups) != 1 || g.Groups[0].Group != 0x0001 {
		t.Errorf("grouped entry = %+v", g)
	}

	records, err := s.ListSinkRecords()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if r.Key != ([16]byte{}) {
			t.Errorf("record %s exposes its key", r.GPD)
		}
		out, _ := json.Marshal(r)
		if bytes.Contains(out, []byte(`"key":`)) {
			t.Errorf("record JSON contains a key: %s", out)
		}
	}

	if err := s.DeleteSinkEntry(secured.GPD); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.LoadSinkEntries()
	if len(entries) != 1 {
		t.Errorf("entries after delete = %d, want 1", len(entries))
	}
}

func TestSinkTableRestore(t *testing.T) {
	s := newTestStore(t)
	table := greenpower.NewSinkTable(4, s, slog.Default())
	if err := table.Upsert(greenpower.SinkEntry{GPD: greenpower.SrcID(0xAABBCCDD), DeviceID: 0x07}); err != nil {
		t.Fatal(err)
	}

	restored := greenpower.NewSinkTable(4, s, slog.Default())
	e, ok := restored.Lookup(greenpower.SrcID(0xAABBCCDD))
	if !ok || e.DeviceID != 0x07 {
		t.Errorf("restored entry = %+v, %v", e, ok)
	}
}

func TestImages(t *testing.T) {
	s := newTestStore(t)

	for _, v := range []uint32{1, 3, 2} {
		if _, err := s.AddImage(testImage(v, nil)); err != nil {
			t.Fatalf("AddImage v%d: %v", v, err)
		}
	}
	node := zcl.IEEEAddr{8, 7, 6, 5, 4, 3, 2, 1}
	devInfo, err := s.AddImage(testImage(9, &node))
	if err != nil {
		t.Fatal(err)
	}
	if devInfo.Key != "1037-0102-00000009-0102030405060708" {
		t.Errorf("device file key = %q", devInfo.Key)
	}

	h, err := s.FindImage(0x1037, 0x0102)
	if err != nil {
		t.Fatal(err)
	}
	if h.FileVersion != 3 {
		t.Errorf("newest general image = %d, want 3", h.FileVersion)
	}
	if h, err := s.FindDeviceFile(node, ota.Wildcard, ota.Wildcard); err != nil || h.FileVersion != 9 {
		t.Errorf("device file = v%d, err %v", h.FileVersion, err)
	}
	if _, err := s.FindImage(0x1234, 0x0102); !errors.Is(err, ota.ErrNoImage) {
		t.Errorf("unknown manufacturer err = %v", err)
	}

	block, err := s.ReadImage(h, h.TotalImageSize-2, 48)
	if err != nil {
		t.Fatal(err)
	}
	want := testImage(3, nil)
	if !bytes.Equal(block, want[len(want)-2:]) {
		t.Errorf("tail block = % X", block)
	}
	if block, _ := s.ReadImage(h, h.TotalImageSize, 48); len(block) != 0 {
		t.Errorf("read past end returned %d bytes", len(block))
	}

	images, err := s.ListImages()
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 4 || images[0].FileVersion != 9 || images[1].FileVersion != 3 {
		t.Fatalf("images = %+v", images)
	}

	key := ImageKey(&h)
	if err := s.DeleteImage(key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ImageFile(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted file err = %v", err)
	}
	if err := s.DeleteImage(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
	if h, _ := s.FindImage(0x1037, 0x0102); h.FileVersion != 2 {
		t.Errorf("newest after delete = %d, want 2", h.FileVersion)
	}
}

func TestAddImageRejectsGarbage(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddImage([]byte("definitely not an ota file")); !errors.Is(err, ota.ErrBadMagic) {
		t.Errorf("err = %v, want bad magic", err)
	}
}

func TestSession(t *testing.T) {
	s := newTestStore(t)

	got, err := s.LoadSession()
	if err != nil || got != nil {
		t.Fatalf("empty store: %+v, %v", got, err)
	}

	sess := &ota.Session{
		Phase:  ota.PhaseDownloading,
		Server: zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: 0x0000, Endpoint: 1},
		Image:  ota.ImageDescriptor{Manufacturer: 0x1037, ImageType: 0x0102, FileVersion: 2, Size: 200},
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendData(0, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendData(3, []byte{4, 5}); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadSession()
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != ota.PhaseDownloading || got.Image != sess.Image || got.Offset != 5 || !bytes.Equal(got.Data, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("session = %+v", got)
	}

	if err := s.ClearSession(); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.LoadSession(); got != nil {
		t.Errorf("session after clear = %+v", got)
	}
}

func TestSessionDataRewind(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveSession(&ota.Session{Phase: ota.PhaseDownloading}); err != nil {
		t.Fatal(err)
	}
	for _, chunk := range []struct {
		off  uint32
		data []byte
	}{{0, []byte{1, 2}}, {2, []byte{3, 4}}, {4, []byte{5}}, {2, []byte{9}}} {
		if err := s.AppendData(chunk.off, chunk.data); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.LoadSession()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Data, []byte{1, 2, 9}) || got.Offset != 3 {
		t.Errorf("data = % X offset %d, want 01 02 09 offset 3", got.Data, got.Offset)
	}

	if err := s.AppendData(0, nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.LoadSession(); len(got.Data) != 0 || got.Offset != 0 {
		t.Errorf("after reset = %+v", got)
	}
}

func TestSessionDataGap(t *testing.T) {
	s := newTestStore(t)
	s.SaveSession(&ota.Session{Phase: ota.PhaseDownloading})
	s.AppendData(0, []byte{1, 2})
	s.AppendData(5, []byte{6})
	got, err := s.LoadSession()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Data, []byte{1, 2}) {
		t.Errorf("data = % X, want only the leading chunk", got.Data)
	}
}

package ota

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/clusters"
)

type clientFixture struct {
	cli      *Client
	stack    *zcl.Stack
	sender   *recordingSender
	sched    *manualScheduler
	sessions *memSessionStore
	image    []byte
	desc     ImageDescriptor
	applied  []byte
	jitter   int
	events   []string
}

func newClientFixture(t *testing.T, saved *Session) *clientFixture {
	t.Helper()
	fx := &clientFixture{
		sender:   &recordingSender{},
		sched:    &manualScheduler{},
		sessions: newMemSessionStore(saved),
		image:    testImage(t, 2, 100),
	}
	h, err := ParseImageHeader(fx.image)
	if err != nil {
		t.Fatal(err)
	}
	fx.desc = h.Descriptor()
	fx.stack = newTestStack(fx.sender, fx.sched, zcl.NewFixedPool(4, 128))
	fx.cli = NewClient(fx.stack, ClientConfig{
		Manufacturer: testManufacturer,
		ImageType:    testImageType,
		FileVersion:  1,
		StackVersion: StackZigBeePro,
		Sessions:     fx.sessions,
		OnUpgrade: func(_ ImageHeader, file []byte) error {
			fx.applied = file
			return nil
		},
		Jitter: func() int { return fx.jitter },
		Emit:   func(eventType string, _ map[string]any) { fx.events = append(fx.events, eventType) },
		Logger: testLogger(),
	})
	if err := fx.stack.Register(NewRegistration(DefaultEndpoint, nil, fx.cli, testLogger())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return fx
}

func (fx *clientFixture) fromServer(cmd Command) zcl.Status {
	return dispatchOTA(fx.stack, 0x0000, serverIEEE, false, cmd)
}

func (fx *clientFixture) attr(t *testing.T, id uint16) uint64 {
	t.Helper()
	v, err := zcl.GetUint(fx.stack.Attributes(), DefaultEndpoint, clusters.ClusterOTAUpgrade, id)
	if err != nil {
		t.Fatalf("attribute 0x%04X: %v", id, err)
	}
	return v
}

// startDownload queries the server and accepts the offered image.
func (fx *clientFixture) startDownload(t *testing.T) {
	t.Helper()
	server := zcl.Destination{Mode: zcl.AddrModeShort, ShortAddr: 0x0000, Endpoint: DefaultEndpoint}
	if err := fx.cli.Query(context.Background(), server); err != nil {
		t.Fatalf("Query: %v", err)
	}
	q, ok := fx.sender.last(t).(*QueryNextImageRequest)
	if !ok || q.FileVersion != 1 || q.Manufacturer != testManufacturer {
		t.Fatalf("query = %+v", fx.sender.last(t))
	}
	if st := fx.fromServer(&QueryNextImageResponse{Image: fx.desc}); st != zcl.StatusSuccess {
		t.Fatalf("query response status = %v", st)
	}
}

// serveBlock answers the client's last block request from the image.
func (fx *clientFixture) serveBlock(t *testing.T) *ImageBlockRequest {
	t.Helper()
	req, ok := fx.sender.last(t).(*ImageBlockRequest)
	if !ok {
		t.Fatalf("last frame %T, want *ImageBlockRequest", fx.sender.last(t))
	}
	end := int(req.Offset) + int(req.MaxDataSize)
	fx.fromServer(&BlockData{
		Manufacturer: req.Manufacturer,
		ImageType:    req.ImageType,
		FileVersion:  req.FileVersion,
		Offset:       req.Offset,
		Data:         fx.image[req.Offset:end],
	})
	return req
}

func TestClientDownload(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.startDownload(t)

	if got := fx.cli.Session().Phase; got != PhaseDownloading {
		t.Fatalf("phase = %v, want downloading", got)
	}
	if got := fx.attr(t, AttrImageUpgradeStatus); got != uint64(UpgradeDownloadInProgress) {
		t.Errorf("upgrade status = %d", got)
	}
	v, _ := fx.stack.Attributes().Get(DefaultEndpoint, clusters.ClusterOTAUpgrade, AttrUpgradeServerID)
	if v != serverIEEE {
		t.Errorf("upgrade server = %v", v)
	}

	var offsets []uint32
	for fx.cli.Session().Phase == PhaseDownloading {
		req := fx.serveBlock(t)
		offsets = append(offsets, req.Offset)
		if req.BlockRequestDelay == nil {
			t.Fatal("block request without delay field")
		}
	}
	want := []uint32{0, 48, 96, 144}
	if len(offsets) != len(want) {
		t.Fatalf("offsets = %v, want %v", offsets, want)
	}
	for i := range want {
		if offsets[i] != want[i] {
			t.Errorf("offsets = %v, want %v", offsets, want)
			break
		}
	}

	end, ok := fx.sender.last(t).(*UpgradeEndRequest)
	if !ok || end.Status != zcl.StatusSuccess || end.FileVersion != 2 {
		t.Fatalf("end request = %+v", fx.sender.last(t))
	}
	if s := fx.cli.Session(); s.Phase != PhaseEnding || s.Offset != uint32(len(fx.image)) || s.Progress() != 100 {
		t.Errorf("session = %+v", s)
	}
	if got := fx.attr(t, AttrImageUpgradeStatus); got != uint64(UpgradeDownloadComplete) {
		t.Errorf("upgrade status = %d", got)
	}

	fx.fromServer(&UpgradeEndResponse{Manufacturer: testManufacturer, ImageType: testImageType, FileVersion: 2})
	if got := fx.cli.Session().Phase; got != PhaseDone {
		t.Fatalf("phase = %v, want done", got)
	}
	if !bytes.Equal(fx.applied, fx.image) {
		t.Error("applied file differs from the image")
	}
	if fx.cli.FileVersion() != 2 || fx.attr(t, AttrCurrentFileVersion) != 2 {
		t.Errorf("file version = %d, attribute %d", fx.cli.FileVersion(), fx.attr(t, AttrCurrentFileVersion))
	}
	if fx.sessions.saved != nil || fx.sessions.cleared != 1 {
		t.Errorf("saved session %+v, cleared %d", fx.sessions.saved, fx.sessions.cleared)
	}
	if fx.events[len(fx.events)-1] != EventUpgraded {
		t.Errorf("events = %v", fx.events)
	}
}

func TestClientIgnoresSameVersion(t *testing.T) {
	fx := newClientFixture(t, nil)
	if err := fx.cli.Query(context.Background(), zcl.Destination{Mode: zcl.AddrModeShort, Endpoint: 1}); err != nil {
		t.Fatal(err)
	}
	d := fx.desc
	d.FileVersion = 1
	fx.fromServer(&QueryNextImageResponse{Image: d})
	if got := fx.cli.Session().Phase; got != PhaseIdle {
		t.Errorf("phase = %v, want idle", got)
	}
	if len(fx.sender.frames) != 1 {
		t.Errorf("frames = %d, want only the query", len(fx.sender.frames))
	}

	fx.fromServer(&QueryNextImageResponse{Status: zcl.StatusNoImageAvailable})
	if got := fx.cli.Session().Phase; got != PhaseIdle {
		t.Errorf("phase = %v after NO_IMAGE_AVAILABLE", got)
	}
}

func TestClientImageTooLarge(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.cli.cfg.MaxImageSize = 64
	if err := fx.cli.Query(context.Background(), zcl.Destination{Mode: zcl.AddrModeShort, Endpoint: 1}); err != nil {
		t.Fatal(err)
	}
	if st := fx.fromServer(&QueryNextImageResponse{Image: fx.desc}); st != zcl.StatusInsufficientSpace {
		t.Errorf("status = %v, want INSUFFICIENT_SPACE", st)
	}
	if got := fx.cli.Session().Phase; got != PhaseIdle {
		t.Errorf("phase = %v", got)
	}
}

func TestClientQueryBusy(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.startDownload(t)
	if err := fx.cli.Query(context.Background(), zcl.Destination{Mode: zcl.AddrModeShort, Endpoint: 1}); err == nil {
		t.Error("Query during a download succeeded")
	}
}

func TestClientWaitForData(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.startDownload(t)
	n := len(fx.sender.frames)

	fx.fromServer(&BlockWait{CurrentTime: 100, RequestTime: 110})
	if got := fx.cli.Session().Phase; got != PhaseWaiting {
		t.Fatalf("phase = %v, want waiting", got)
	}
	if len(fx.sender.frames) != n {
		t.Fatal("client requested while told to wait")
	}
	if d := fx.sched.fireLast(t); d != 10*time.Second {
		t.Errorf("wait = %v, want 10s", d)
	}
	req, ok := fx.sender.last(t).(*ImageBlockRequest)
	if !ok || req.Offset != 0 {
		t.Fatalf("retry = %+v", fx.sender.last(t))
	}

	// Same times: retry at once and space requests.
	fx.fromServer(&BlockWait{CurrentTime: 5, RequestTime: 5, BlockRequestDelay: 500})
	req = fx.sender.last(t).(*ImageBlockRequest)
	if req.BlockRequestDelay == nil || *req.BlockRequestDelay != 500 {
		t.Errorf("block request delay = %v", req.BlockRequestDelay)
	}
	if got := fx.attr(t, AttrMinimumBlockPeriod); got != 500 {
		t.Errorf("minimum block period = %d", got)
	}

	n = len(fx.sender.frames)
	fx.serveBlock(t)
	if len(fx.sender.frames) != n {
		t.Fatal("next block requested without the delay")
	}
	if d := fx.sched.fireLast(t); d != 500*time.Millisecond {
		t.Errorf("block spacing = %v", d)
	}
	if req := fx.sender.last(t).(*ImageBlockRequest); req.Offset != 48 {
		t.Errorf("next offset = %d", req.Offset)
	}
}

func TestClientBlockTimeouts(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.startDownload(t)
	for i := 1; i < MaxBlockRetries; i++ {
		fx.sched.fireLast(t)
		if req, ok := fx.sender.last(t).(*ImageBlockRequest); !ok || req.Offset != 0 {
			t.Fatalf("retry %d = %+v", i, fx.sender.last(t))
		}
	}
	fx.sched.fireLast(t)
	end, ok := fx.sender.last(t).(*UpgradeEndRequest)
	if !ok || end.Status != zcl.StatusAbort {
		t.Fatalf("last frame = %+v, want abort", fx.sender.last(t))
	}
	if got := fx.cli.Session().Phase; got != PhaseAborted {
		t.Errorf("phase = %v, want aborted", got)
	}
	if got := fx.attr(t, AttrFileOffset); got != 0xFFFFFFFF {
		t.Errorf("file offset = 0x%X", got)
	}
}

func TestClientStaleTimer(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.startDownload(t)
	timeout := fx.sched.fns[len(fx.sched.fns)-1]
	fx.serveBlock(t)
	n := len(fx.sender.frames)

	// The block arrived, so the first timeout must not resend.
	timeout()
	if len(fx.sender.frames) != n {
		t.Errorf("stale timeout sent %d frames", len(fx.sender.frames)-n)
	}
	if got := fx.cli.Session().Retries; got != 0 {
		t.Errorf("retries = %d", got)
	}
}

func TestClientServerAbort(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.startDownload(t)
	fx.fromServer(&BlockStatus{Status: zcl.StatusAbort})
	if got := fx.cli.Session().Phase; got != PhaseAborted {
		t.Errorf("phase = %v, want aborted", got)
	}
	if fx.sessions.saved != nil {
		t.Error("aborted session still saved")
	}
}

func TestClientInvalidImage(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.image[0] ^= 0xFF
	fx.startDownload(t)
	for fx.cli.Session().Phase == PhaseDownloading {
		fx.serveBlock(t)
	}
	end, ok := fx.sender.last(t).(*UpgradeEndRequest)
	if !ok || end.Status != zcl.StatusInvalidImage {
		t.Fatalf("end request = %+v", fx.sender.last(t))
	}
	if got := fx.cli.Session().Phase; got != PhaseAborted {
		t.Errorf("phase = %v", got)
	}
	if fx.applied != nil {
		t.Error("invalid image applied")
	}
}

func TestClientWrongImageBlock(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.startDownload(t)
	fx.fromServer(&BlockData{Manufacturer: testManufacturer, ImageType: testImageType, FileVersion: 7, Data: []byte{1}})
	end, ok := fx.sender.last(t).(*UpgradeEndRequest)
	if !ok || end.Status != zcl.StatusInvalidImage {
		t.Fatalf("end request = %+v", fx.sender.last(t))
	}
	if got := fx.cli.Session().Phase; got != PhaseAborted {
		t.Errorf("phase = %v", got)
	}
}

func TestClientSessionWritesStayLinear(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.image = testImage(t, 2, 6000)
	h, err := ParseImageHeader(fx.image)
	if err != nil {
		t.Fatal(err)
	}
	fx.desc = h.Descriptor()
	fx.startDownload(t)

	blocks := 0
	for fx.cli.Session().Phase == PhaseDownloading {
		fx.serveBlock(t)
		blocks++
	}
	if fx.sessions.written != len(fx.image) {
		t.Errorf("data written = %d bytes, want %d", fx.sessions.written, len(fx.image))
	}
	if limit := len(fx.image)/dataFlushSize + 3; fx.sessions.appends > limit {
		t.Errorf("%d appends for %d blocks, want at most %d", fx.sessions.appends, blocks, limit)
	}
	if fx.sessions.saves > 3 {
		t.Errorf("%d session saves during download", fx.sessions.saves)
	}
	if !bytes.Equal(fx.sessions.data, fx.image) {
		t.Error("stored data differs from the image")
	}
}

func TestClientResumeFromStoredData(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.image = testImage(t, 2, 3000)
	h, _ := ParseImageHeader(fx.image)
	fx.desc = h.Descriptor()
	fx.startDownload(t)
	for fx.sessions.written < dataFlushSize {
		fx.serveBlock(t)
	}
	saved := *fx.sessions.saved
	saved.Data = bytes.Clone(fx.sessions.data)

	// a restarted client sees only what reached the store
	fx2 := newClientFixture(t, &saved)
	fx2.image, fx2.desc = fx.image, fx.desc
	fx2.startDownload(t)
	req, ok := fx2.sender.last(t).(*ImageBlockRequest)
	if !ok || int(req.Offset) != len(saved.Data) {
		t.Fatalf("first request = %+v, want offset %d", fx2.sender.last(t), len(saved.Data))
	}
	for fx2.cli.Session().Phase == PhaseDownloading {
		fx2.serveBlock(t)
	}
	if end := fx2.sender.last(t).(*UpgradeEndRequest); end.Status != zcl.StatusSuccess {
		t.Errorf("resumed download ended with %v", end.Status)
	}
}

func TestClientResume(t *testing.T) {
	image := testImage(t, 2, 100)
	h, _ := ParseImageHeader(image)
	saved := &Session{
		Phase:  PhaseDownloading,
		Image:  h.Descriptor(),
		Offset: 48,
		Data:   bytes.Clone(image[:48]),
	}
	fx := newClientFixture(t, saved)
	fx.startDownload(t)
	req, ok := fx.sender.last(t).(*ImageBlockRequest)
	if !ok || req.Offset != 48 {
		t.Fatalf("first request = %+v, want offset 48", fx.sender.last(t))
	}
	for fx.cli.Session().Phase == PhaseDownloading {
		fx.serveBlock(t)
	}
	if end := fx.sender.last(t).(*UpgradeEndRequest); end.Status != zcl.StatusSuccess {
		t.Errorf("resumed download ended with %v", end.Status)
	}
}

func TestClientResumeOtherImage(t *testing.T) {
	old := testImage(t, 3, 100)
	h, _ := ParseImageHeader(old)
	saved := &Session{Phase: PhaseDownloading, Image: h.Descriptor(), Offset: 48, Data: bytes.Clone(old[:48])}
	fx := newClientFixture(t, saved)
	fx.startDownload(t)
	if req := fx.sender.last(t).(*ImageBlockRequest); req.Offset != 0 {
		t.Errorf("first request offset = %d, want 0", req.Offset)
	}
}

func TestClientWaitToUpgrade(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.startDownload(t)
	for fx.cli.Session().Phase == PhaseDownloading {
		fx.serveBlock(t)
	}

	fx.fromServer(&UpgradeEndResponse{Manufacturer: Wildcard, ImageType: Wildcard, FileVersion: AnyVersion, UpgradeTime: 0xFFFFFFFF})
	if got := fx.attr(t, AttrImageUpgradeStatus); got != uint64(UpgradeWaitingToUpgrade) {
		t.Errorf("upgrade status = %d, want waiting", got)
	}
	if d := fx.sched.delays[len(fx.sched.delays)-1]; d != time.Hour {
		t.Errorf("retry interval = %v", d)
	}

	fx.fromServer(&UpgradeEndResponse{Manufacturer: testManufacturer, ImageType: testImageType, FileVersion: 2, CurrentTime: 10, UpgradeTime: 40})
	if got := fx.cli.Session().Phase; got != PhaseCountingDown {
		t.Fatalf("phase = %v, want counting down", got)
	}
	if d := fx.sched.fireLast(t); d != 30*time.Second {
		t.Errorf("countdown = %v, want 30s", d)
	}
	if got := fx.cli.Session().Phase; got != PhaseDone {
		t.Errorf("phase = %v, want done", got)
	}
}

func TestClientNoEndResponse(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.startDownload(t)
	for fx.cli.Session().Phase == PhaseDownloading {
		fx.serveBlock(t)
	}
	fx.sched.fireLast(t)
	if end, ok := fx.sender.last(t).(*UpgradeEndRequest); !ok || end.Status != zcl.StatusSuccess {
		t.Fatalf("resent end request = %+v", fx.sender.last(t))
	}
	fx.sched.fireLast(t)
	if got := fx.cli.Session().Phase; got != PhaseDone {
		t.Errorf("phase = %v, want done after %d retries", got, MaxEndRetries)
	}
}

func TestClientApplyFailure(t *testing.T) {
	fx := newClientFixture(t, nil)
	fx.cli.cfg.OnUpgrade = func(ImageHeader, []byte) error { return errors.New("flash write failed") }
	fx.startDownload(t)
	for fx.cli.Session().Phase == PhaseDownloading {
		fx.serveBlock(t)
	}
	fx.fromServer(&UpgradeEndResponse{Manufacturer: testManufacturer, ImageType: testImageType, FileVersion: 2})
	if got := fx.cli.Session().Phase; got != PhaseAborted {
		t.Errorf("phase = %v, want aborted", got)
	}
	if fx.cli.FileVersion() != 1 {
		t.Errorf("file version = %d, want 1", fx.cli.FileVersion())
	}
}

func TestClientImageNotify(t *testing.T) {
	tests := []struct {
		name      string
		notify    *ImageNotify
		broadcast bool
		jitter    int
		wantQuery bool
	}{
		{"unicast", &ImageNotify{PayloadType: NotifyJitter, QueryJitter: 100}, false, 99, true},
		{"broadcast within jitter", &ImageNotify{PayloadType: NotifyJitter, QueryJitter: 50}, true, 20, true},
		{"broadcast outside jitter", &ImageNotify{PayloadType: NotifyJitter, QueryJitter: 50}, true, 80, false},
		{"other manufacturer", &ImageNotify{PayloadType: NotifyManufacturer, QueryJitter: 100, Manufacturer: 0x1234}, true, 0, false},
		{"other image type", &ImageNotify{PayloadType: NotifyImageType, QueryJitter: 100, Manufacturer: testManufacturer, ImageType: 1}, true, 0, false},
		{"current version", &ImageNotify{PayloadType: NotifyFileVersion, QueryJitter: 100, Manufacturer: testManufacturer, ImageType: testImageType, FileVersion: 1}, true, 0, false},
		{"new version", &ImageNotify{PayloadType: NotifyFileVersion, QueryJitter: 100, Manufacturer: testManufacturer, ImageType: testImageType, FileVersion: 2}, true, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newClientFixture(t, nil)
			fx.jitter = tt.jitter
			st := dispatchOTA(fx.stack, 0x0000, serverIEEE, tt.broadcast, tt.notify)
			queried := len(fx.sender.frames) == 1
			if queried != tt.wantQuery {
				t.Fatalf("queried = %v, want %v (status %v)", queried, tt.wantQuery, st)
			}
			if !queried {
				return
			}
			if st != zcl.StatusCmdHasResponse {
				t.Errorf("status = %v", st)
			}
			f, _, cmd := fx.sender.command(t, 0)
			if _, ok := cmd.(*QueryNextImageRequest); !ok || f.Dst.ShortAddr != 0x0000 {
				t.Errorf("sent %T to 0x%04X", cmd, f.Dst.ShortAddr)
			}
		})
	}
}

func TestClientIgnoresForeignServer(t *testing.T) {
	fx := newClientFixture(t, nil)
	if err := fx.stack.Attributes().Set(DefaultEndpoint, clusters.ClusterOTAUpgrade, AttrUpgradeServerID, serverIEEE); err != nil {
		t.Fatal(err)
	}
	other := zcl.IEEEAddr{9, 9, 9, 9, 9, 9, 9, 9}
	dispatchOTA(fx.stack, 0x5678, other, false, &ImageNotify{PayloadType: NotifyJitter, QueryJitter: 100})
	if len(fx.sender.frames) != 0 {
		t.Errorf("client queried a foreign server")
	}
}

func TestClientAttributeDefaults(t *testing.T) {
	fx := newClientFixture(t, nil)
	if got := fx.attr(t, AttrCurrentFileVersion); got != 1 {
		t.Errorf("current file version = %d", got)
	}
	if got := fx.attr(t, AttrManufacturerID); got != uint64(testManufacturer) {
		t.Errorf("manufacturer = 0x%04X", got)
	}
	if got := fx.attr(t, AttrFileOffset); got != 0xFFFFFFFF {
		t.Errorf("file offset = 0x%X", got)
	}
}

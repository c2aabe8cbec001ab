package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/user/gaia-engine/config"
	"github.com/user/gaia-engine/connection"
	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/gatt"
)

const (
	handleCommand  uint16 = 0x0010
	handleResponse uint16 = 0x0012
	handleCCCD     uint16 = 0x0013
	handleData     uint16 = 0x0015
)

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type bleCall struct {
	method string
	handle uint16
	value  []byte
}

type fakeBLE struct {
	mu          sync.Mutex
	events      BLEEvents
	targets     []string
	calls       []bleCall
	disconnects int
	connectErr  error
}

func (f *fakeBLE) record(method string, handle uint16, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, bleCall{method, handle, value})
	return nil
}

func (f *fakeBLE) Connect(target string, events BLEEvents) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.targets = append(f.targets, target)
	f.events = events
	return nil
}

func (f *fakeBLE) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeBLE) ReadCharacteristic(h uint16) error { return f.record("read", h, nil) }
func (f *fakeBLE) WriteCharacteristic(h uint16, v []byte, withResponse bool) error {
	return f.record("write", h, v)
}
func (f *fakeBLE) ReadDescriptor(h uint16) error            { return f.record("readDesc", h, nil) }
func (f *fakeBLE) WriteDescriptor(h uint16, v []byte) error { return f.record("writeDesc", h, v) }
func (f *fakeBLE) SetNotification(h uint16, enable bool) error {
	return f.record("notify", h, nil)
}
func (f *fakeBLE) ReadRSSI() error    { return f.record("rssi", 0, nil) }
func (f *fakeBLE) RequestBond() error { return f.record("bond", 0, nil) }

func (f *fakeBLE) Events() BLEEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeBLE) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (f *fakeBLE) last() bleCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return bleCall{}
	}
	return f.calls[len(f.calls)-1]
}

type recorder struct {
	mu       sync.Mutex
	success  []gaia.Packet
	failure  []gaia.Packet
	timedOut []gaia.Packet
	offered  []gaia.Packet
	states   []connection.State
	failed   []error
	lost     []error
	ops      []gatt.Status
	claim    bool
}

func (r *recorder) OnAckSuccess(p gaia.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success = append(r.success, p)
}

func (r *recorder) OnAckFailure(p gaia.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = append(r.failure, p)
}

func (r *recorder) OnUnsolicitedPacket(p gaia.Packet) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offered = append(r.offered, p)
	return r.claim
}

func (r *recorder) OnRequestTimedOut(p gaia.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timedOut = append(r.timedOut, p)
}

func (r *recorder) OnConnectionStateChanged(state connection.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) OnConnectionFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *recorder) OnConnectionLost(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, err)
}

func (r *recorder) OnOperationComplete(op *gatt.Operation, status gatt.Status, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op.Kind != gatt.KindNotify && op.Kind != gatt.KindWriteDescriptor {
		r.ops = append(r.ops, status)
	}
}

// callbacks counts everything delivered for requests and operations
func (r *recorder) callbacks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.success) + len(r.failure) + len(r.timedOut) + len(r.ops)
}

func gaiaCharacteristics() []gatt.Characteristic {
	return []gatt.Characteristic{
		{Handle: handleCommand, UUID: gaia.CommandEndpointUUID, Properties: gatt.PropWrite},
		{Handle: handleResponse, UUID: gaia.ResponseEndpointUUID, Properties: gatt.PropNotify,
			Descriptors: []gatt.Descriptor{{Handle: handleCCCD, UUID: gatt.CCCDUUID}}},
		{Handle: handleData, UUID: gaia.DataEndpointUUID, Properties: gatt.PropRead | gatt.PropWriteWithoutResponse},
		{Handle: 0x0030, UUID: uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb"), Properties: gatt.PropRead},
	}
}

type bleFixture struct {
	e    *Engine
	ble  *fakeBLE
	rec  *recorder
	mock *clock.Mock
}

func newBLEFixture(t *testing.T) *bleFixture {
	t.Helper()
	t.Setenv("GAIA_ENGINE_DIR", t.TempDir())

	f := &bleFixture{ble: &fakeBLE{}, rec: &recorder{}, mock: clock.NewMock()}
	e, err := NewBLE(config.Default(), f.ble, f.rec, Options{Clock: f.mock})
	if err != nil {
		t.Fatalf("NewBLE failed: %v", err)
	}
	f.e = e
	t.Cleanup(func() { e.Close() })
	return f
}

// connect drives the engine to Connected with the response endpoint subscribed
func (f *bleFixture) connect(t *testing.T) {
	t.Helper()
	if err := f.e.Connect("00:02:5B:00:A5:A5"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	f.e.loop.Flush()

	events := f.ble.Events()
	if events == nil {
		t.Fatal("Transport was not asked to connect")
	}
	events.ServicesDiscovered(gaiaCharacteristics())
	events.TransportConnected()
	f.e.loop.Flush()

	if f.e.State() != connection.StateConnected {
		t.Fatalf("Expected Connected, got %s", f.e.State())
	}
	if f.ble.count("notify") != 1 {
		t.Fatalf("Expected subscription to the response endpoint, got %v", f.ble.calls)
	}

	// Notify completes after the notification delay, then the CCCD write goes out
	f.mock.Add(time.Second)
	waitFor(t, func() bool { return f.ble.count("writeDesc") == 1 }, "CCCD write")
	f.ble.Events().OperationCompleted(handleCCCD, gatt.StatusSuccess, nil)
	f.e.loop.Flush()
}

func encodeBLE(t *testing.T, p gaia.Packet) []byte {
	t.Helper()
	data, err := gaia.Encode(p)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func TestEngine_GetAPIVersion(t *testing.T) {
	f := newBLEFixture(t)
	f.connect(t)

	request := gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandGetAPIVersion, nil)
	if err := f.e.SendRequest(request); err != nil {
		t.Fatalf("SendRequest failed: %v", err)
	}
	f.e.loop.Flush()

	write := f.ble.last()
	if write.method != "write" || write.handle != handleCommand {
		t.Fatalf("Expected a write to the command endpoint, got %+v", write)
	}
	if got, _ := gaia.Decode(write.value, gaia.TransportBLE); !got.Equal(request) {
		t.Fatalf("Expected %s on the wire, got %s", request, got)
	}

	events := f.ble.Events()
	events.OperationCompleted(handleCommand, gatt.StatusSuccess, nil)
	ack, _ := request.Acknowledge(gaia.StatusSuccess, []byte{0x01, 0x02, 0x05})
	events.CharacteristicChanged(handleResponse, encodeBLE(t, ack))
	f.e.loop.Flush()

	f.rec.mu.Lock()
	success := len(f.rec.success)
	f.rec.mu.Unlock()
	if success != 1 {
		t.Fatalf("Expected OnAckSuccess once, got %d", success)
	}

	// Advancing past every deadline must not produce a timeout
	f.mock.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	f.e.loop.Flush()

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.timedOut) != 0 {
		t.Errorf("Expected no timeout, got %d", len(f.rec.timedOut))
	}
	if len(f.rec.success) != 1 {
		t.Errorf("Expected OnAckSuccess exactly once, got %d", len(f.rec.success))
	}
	protocol, version, err := gaia.ParseAPIVersion(f.rec.success[0])
	if err != nil || protocol != 1 || version.Major != 2 || version.Minor != 5 {
		t.Errorf("Unexpected API version %d %v (%v)", protocol, version, err)
	}
}

func TestEngine_RequestTimesOut(t *testing.T) {
	f := newBLEFixture(t)
	f.connect(t)

	request := gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandGetCurrentBatteryLevel, nil)
	f.e.SendRequest(request)
	f.e.loop.Flush()
	f.ble.Events().OperationCompleted(handleCommand, gatt.StatusSuccess, nil)
	f.e.loop.Flush()

	f.mock.Add(config.Default().AckTimeout)
	waitFor(t, func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		return len(f.rec.timedOut) == 1
	}, "request timeout")
}

func TestEngine_DisconnectCancelsEverything(t *testing.T) {
	f := newBLEFixture(t)
	f.connect(t)

	// One write in flight with its ack pending, one RSSI read queued behind it
	request := gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandGetAPIVersion, nil)
	f.e.SendRequest(request)
	f.e.ReadRSSI()
	f.e.loop.Flush()

	snap := f.e.Snapshot().AsMap()
	if snap["queued"] != float64(1) || snap["in_flight"] == "" {
		t.Fatalf("Expected one queued and one in-flight operation, got %v", snap)
	}
	if acks, _ := snap["pending_acks"].(map[string]interface{}); acks["0x0300"] != float64(1) {
		t.Fatalf("Expected one pending ack, got %v", snap["pending_acks"])
	}

	if err := f.e.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	f.e.loop.Flush()
	if f.ble.disconnects != 1 {
		t.Fatalf("Expected the transport released, got %d", f.ble.disconnects)
	}
	events := f.ble.Events()
	events.TransportClosed()
	f.e.loop.Flush()

	if f.e.State() != connection.StateDisconnected {
		t.Fatalf("Expected Disconnected, got %s", f.e.State())
	}

	// Late transport callbacks and every deadline
	events.OperationCompleted(handleCommand, gatt.StatusSuccess, nil)
	ack, _ := request.Acknowledge(gaia.StatusSuccess, nil)
	events.CharacteristicChanged(handleResponse, encodeBLE(t, ack))
	f.mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	f.e.loop.Flush()

	if n := f.rec.callbacks(); n != 0 {
		t.Errorf("Expected no callbacks after disconnect, got %d", n)
	}
	if f.ble.count("rssi") != 0 {
		t.Error("Queued RSSI read was dispatched after disconnect")
	}
	if err := f.e.SendRequest(request); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestEngine_UnsolicitedPacketNotSupported(t *testing.T) {
	f := newBLEFixture(t)
	f.connect(t)
	writes := f.ble.count("write")

	event := gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandEventNotification,
		[]byte{byte(gaia.EventBatteryCharged)})
	f.ble.Events().CharacteristicChanged(handleResponse, encodeBLE(t, event))
	f.e.loop.Flush()

	if f.ble.count("write") != writes+1 {
		t.Fatalf("Expected one automatic ack written, got %d", f.ble.count("write")-writes)
	}
	got, err := gaia.Decode(f.ble.last().value, gaia.TransportBLE)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	status, _ := got.Status()
	if !got.IsAck() || got.BaseCommand() != gaia.CommandEventNotification || status != gaia.StatusNotSupported {
		t.Errorf("Expected NotSupported ack for EVENT_NOTIFICATION, got %s", got)
	}
}

func TestEngine_ApplicationAcknowledges(t *testing.T) {
	f := newBLEFixture(t)
	f.rec.claim = true
	f.connect(t)

	event := gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandEventNotification,
		[]byte{byte(gaia.EventVMUPacket), 0x01})
	f.ble.Events().CharacteristicChanged(handleResponse, encodeBLE(t, event))
	f.e.loop.Flush()

	f.rec.mu.Lock()
	offered := f.rec.offered
	f.rec.mu.Unlock()
	if len(offered) != 1 {
		t.Fatalf("Expected the event offered once, got %d", len(offered))
	}

	if err := f.e.SendAcknowledgement(offered[0], gaia.StatusSuccess, nil); err != nil {
		t.Fatalf("SendAcknowledgement failed: %v", err)
	}
	f.e.loop.Flush()

	got, _ := gaia.Decode(f.ble.last().value, gaia.TransportBLE)
	if status, _ := got.Status(); !got.IsAck() || status != gaia.StatusSuccess {
		t.Errorf("Expected Success ack, got %s", got)
	}
	if f.e.Snapshot().AsMap()["pending_acks"].(map[string]interface{})["0x4003"] != nil {
		t.Error("An outgoing ack must not wait for an ack")
	}
}

func TestEngine_RejectsInvalidCalls(t *testing.T) {
	f := newBLEFixture(t)

	request := gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandGetAPIVersion, nil)
	if err := f.e.SendRequest(request); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if err := f.e.Disconnect(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	if err := f.e.Reconnect(); !errors.Is(err, ErrNoTarget) {
		t.Errorf("Expected ErrNoTarget, got %v", err)
	}
	if err := f.e.Connect(""); !errors.Is(err, ErrNoTarget) {
		t.Errorf("Expected ErrNoTarget, got %v", err)
	}

	f.connect(t)
	if err := f.e.Connect("other"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	ack, _ := request.Acknowledge(gaia.StatusSuccess, nil)
	if err := f.e.SendRequest(ack); !errors.Is(err, gaia.ErrAlreadyAcknowledgement) {
		t.Errorf("Expected ErrAlreadyAcknowledgement, got %v", err)
	}
	tooLong := gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandVMUpgradeControl, make([]byte, 251))
	if err := f.e.SendRequest(tooLong); !errors.Is(err, gaia.ErrPayloadTooLong) {
		t.Errorf("Expected ErrPayloadTooLong, got %v", err)
	}

	f.e.Close()
	<-f.e.Done()
	if err := f.e.SendRequest(request); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestEngine_ConnectFailure(t *testing.T) {
	f := newBLEFixture(t)
	f.ble.connectErr = errors.New("adapter powered off")
	f.e.loop.Flush()
	before, beforeID := f.e.packetLog, f.e.connID

	if err := f.e.Connect("00:02:5B:00:A5:A5"); err != nil {
		t.Fatalf("Connect failed synchronously: %v", err)
	}
	f.e.loop.Flush()

	if f.e.packetLog != before || f.e.connID != beforeID {
		t.Error("A failed connect replaced the connection id or packet log")
	}

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.failed) != 1 {
		t.Errorf("Expected OnConnectionFailed once, got %d", len(f.rec.failed))
	}
	if f.e.State() != connection.StateDisconnected {
		t.Errorf("Expected Disconnected, got %s", f.e.State())
	}
}

func TestEngine_ConnectionLostAndReconnect(t *testing.T) {
	f := newBLEFixture(t)
	f.connect(t)

	f.ble.Events().TransportLost(errors.New("supervision timeout"))
	f.e.loop.Flush()

	f.rec.mu.Lock()
	lost := len(f.rec.lost)
	f.rec.mu.Unlock()
	if lost != 1 {
		t.Fatalf("Expected OnConnectionLost once, got %d", lost)
	}

	stale := f.ble.Events()
	if err := f.e.Reconnect(); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	f.e.loop.Flush()

	// The old connection's callbacks are ignored
	stale.TransportConnected()
	f.e.loop.Flush()
	if f.e.State() != connection.StateConnecting {
		t.Fatalf("Stale event changed state to %s", f.e.State())
	}
	if len(f.ble.targets) != 2 || f.ble.targets[1] != "00:02:5B:00:A5:A5" {
		t.Errorf("Expected reconnect to the same target, got %v", f.ble.targets)
	}
}

func TestEngine_MissingGAIAServiceDisconnects(t *testing.T) {
	f := newBLEFixture(t)
	f.e.Connect("00:02:5B:00:A5:A5")
	f.e.loop.Flush()

	events := f.ble.Events()
	events.ServicesDiscovered(gaiaCharacteristics()[3:])
	events.TransportConnected()
	f.e.loop.Flush()
	f.e.loop.Flush()

	if f.ble.disconnects != 1 {
		t.Errorf("Expected disconnect when the GAIA service is missing, got %d", f.ble.disconnects)
	}
}

func TestEngine_ReadRSSI(t *testing.T) {
	f := newBLEFixture(t)
	f.connect(t)

	if err := f.e.ReadRSSI(); err != nil {
		t.Fatalf("ReadRSSI failed: %v", err)
	}
	f.e.loop.Flush()
	f.ble.Events().OperationCompleted(0, gatt.StatusSuccess, []byte{0xC4})
	f.e.loop.Flush()

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.ops) != 1 || f.rec.ops[0] != gatt.StatusSuccess {
		t.Errorf("Expected RSSI completion, got %v", f.rec.ops)
	}
}

func TestEngine_DisconnectBehindQueuedConnect(t *testing.T) {
	f := newBLEFixture(t)

	// Hold the dispatch goroutine so the connect stays queued
	release := make(chan struct{})
	f.e.loop.Post(func() { <-release })

	if err := f.e.Connect("00:02:5B:00:A5:A5"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := f.e.Connect("00:02:5B:00:A5:A6"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected a second Connect to be refused, got %v", err)
	}
	if err := f.e.Disconnect(); err != nil {
		t.Fatalf("Disconnect behind a queued connect failed: %v", err)
	}
	close(release)
	f.e.loop.Flush()

	if f.e.State() != connection.StateDisconnecting {
		t.Fatalf("Expected Disconnecting, got %s", f.e.State())
	}
	if len(f.ble.targets) != 1 || f.ble.targets[0] != "00:02:5B:00:A5:A5" {
		t.Errorf("Expected one connect to the first target, got %v", f.ble.targets)
	}
	if f.ble.disconnects != 1 {
		t.Errorf("Expected the transport released once, got %d", f.ble.disconnects)
	}

	f.ble.Events().TransportClosed()
	f.e.loop.Flush()
	if f.e.State() != connection.StateDisconnected {
		t.Fatalf("Expected Disconnected, got %s", f.e.State())
	}
	if err := f.e.Connect("00:02:5B:00:A5:A5"); err != nil {
		t.Errorf("Expected Connect to work again, got %v", err)
	}
}

func TestEngine_RejectedOperationCompletes(t *testing.T) {
	f := newBLEFixture(t)
	f.connect(t)

	if err := f.e.SubmitOperation(gatt.NewRead(0x0999)); err != nil {
		t.Fatalf("SubmitOperation failed: %v", err)
	}
	if err := f.e.SubmitOperation(gatt.NewRead(handleCommand)); err != nil {
		t.Fatalf("SubmitOperation failed: %v", err)
	}
	f.e.loop.Flush()

	f.mock.Add(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	f.e.loop.Flush()

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.ops) != 2 || f.rec.ops[0] != gatt.StatusRejected || f.rec.ops[1] != gatt.StatusRejected {
		t.Errorf("Expected two rejected completions, got %v", f.rec.ops)
	}
	if f.ble.count("read") != 0 {
		t.Errorf("A rejected read reached the transport")
	}
}

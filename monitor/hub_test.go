package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/gaia-engine/engine"
	"github.com/user/gaia-engine/gaia"
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

func TestHub_StreamsEvents(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub.Handler())
	defer server.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 1 }, "client registration")

	request := gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandGetAPIVersion, nil)
	ack, _ := request.Acknowledge(gaia.StatusSuccess, []byte{0x01, 0x02, 0x05})
	hub.OnEngineEvent(engine.Event{Time: time.Now(), Session: "abc", Type: engine.EventPacket, Direction: "rx", Packet: &ack})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if msg.Type != engine.EventPacket || msg.Direction != "rx" || msg.Session != "abc" {
		t.Errorf("Unexpected message %+v", msg)
	}
	if msg.Packet == nil || msg.Packet.Command != "0x0300" || !msg.Packet.Ack || msg.Packet.Status != "Success" {
		t.Errorf("Unexpected packet %+v", msg.Packet)
	}
	if msg.Packet.Payload != "00010205" {
		t.Errorf("Expected payload 00010205, got %s", msg.Packet.Payload)
	}
}

func TestHub_ClientDisconnectIsRemoved(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitFor(t, func() bool { return hub.Clients() == 1 }, "client registration")

	conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 0 }, "client removal")
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	stuck := &client{send: make(chan []byte)}
	hub.clients[stuck] = struct{}{}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.OnEngineEvent(engine.Event{Type: engine.EventState, State: "Connected"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a client that is not reading")
	}
	if hub.Dropped() != 10 {
		t.Errorf("Expected 10 dropped events, got %d", hub.Dropped())
	}
}

func TestHub_Snapshot(t *testing.T) {
	hub := NewHub(func() *structpb.Struct {
		s, _ := structpb.NewStruct(map[string]interface{}{"state": "Connected", "sent": 3})
		return s
	})
	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/snapshot")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var got map[string]interface{}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Invalid JSON %q: %v", body, err)
	}
	if got["state"] != "Connected" || got["sent"] != float64(3) {
		t.Errorf("Unexpected snapshot %v", got)
	}
}

func TestHub_SnapshotMissing(t *testing.T) {
	server := httptest.NewServer(NewHub(nil).Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/snapshot")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

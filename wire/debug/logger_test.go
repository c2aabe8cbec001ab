package debug

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/gatt"
)

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open %s: %v", path, err)
	}
	defer f.Close()

	var records []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("Line is not JSON: %q", scanner.Text())
		}
		records = append(records, record)
	}
	return records
}

func TestPacketLog_WritesPackets(t *testing.T) {
	t.Setenv("GAIA_ENGINE_DIR", t.TempDir())
	log := NewPacketLog("3f2a9c1d", true)
	if !log.Enabled() {
		t.Fatal("Expected an enabled log")
	}

	request := gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandGetAPIVersion, nil)
	ack, _ := request.Acknowledge(gaia.StatusSuccess, []byte{1, 2, 5})
	log.LogPacket("tx", request, []byte{0x00, 0x0A, 0x03, 0x00})
	log.LogPacket("rx", ack, nil)

	records := readLines(t, filepath.Join(log.Dir(), packetsFile))
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0]["command"] != "0x0300" || records[0]["direction"] != "tx" || records[0]["raw_hex"] != "000a0300" {
		t.Errorf("Unexpected request record %v", records[0])
	}
	if records[1]["status"] != "Success" || records[1]["ack"] != true {
		t.Errorf("Unexpected ack record %v", records[1])
	}
}

func TestPacketLog_WritesOperations(t *testing.T) {
	t.Setenv("GAIA_ENGINE_DIR", t.TempDir())
	log := NewPacketLog("3f2a9c1d", true)

	op := gatt.NewWrite(0x0010, []byte{0x00, 0x0A})
	op.Attempts = 1
	log.LogOperation(op)
	log.LogOperationResult(0x0010, gatt.StatusSuccess, nil)

	records := readLines(t, filepath.Join(log.Dir(), operationsFile))
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0]["operation"] != "Write" || records[0]["data_hex"] != "000a" {
		t.Errorf("Unexpected operation record %v", records[0])
	}
	if records[1]["status"] != "Success" || records[1]["direction"] != "rx" {
		t.Errorf("Unexpected result record %v", records[1])
	}
}

func TestPacketLog_Disabled(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GAIA_ENGINE_DIR", dir)

	log := NewPacketLog("3f2a9c1d", false)
	log.LogPacket("tx", gaia.NewRequest(gaia.TransportBLE, gaia.VendorQualcomm, gaia.CommandNoOperation, nil), nil)

	if _, err := os.Stat(filepath.Join(dir, "3f2a9c1d")); !os.IsNotExist(err) {
		t.Error("Disabled log created files")
	}

	var nilLog *PacketLog
	nilLog.LogOperation(gatt.NewReadRSSI())
}

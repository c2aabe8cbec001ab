package debug

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/gaia-engine/gaia"
	"github.com/user/gaia-engine/gatt"
	"github.com/user/gaia-engine/logger"
	"github.com/user/gaia-engine/util"
)

const (
	packetsFile    = "gaia_packets.jsonl"
	operationsFile = "gatt_operations.jsonl"
)

// PacketLog writes one JSON line per GAIA packet and GATT operation of a session.
// These files are write-only; nothing in the engine reads them back.
type PacketLog struct {
	session  string
	debugDir string
	enabled  bool
	mu       sync.Mutex
}

// NewPacketLog creates the log under <data dir>/<session>/debug. A disabled log discards everything.
func NewPacketLog(session string, enabled bool) *PacketLog {
	if !enabled {
		return &PacketLog{session: session}
	}

	debugDir, err := util.GetDebugDir(session)
	if err != nil {
		logger.Warn(session+" PacketLog", "packet log disabled: %v", err)
		return &PacketLog{session: session}
	}

	return &PacketLog{
		session:  session,
		debugDir: debugDir,
		enabled:  true,
	}
}

// Enabled reports whether records are written
func (d *PacketLog) Enabled() bool {
	return d != nil && d.enabled
}

// Dir returns the directory the log writes to
func (d *PacketLog) Dir() string {
	return d.debugDir
}

// LogPacket records a GAIA packet; direction is "tx" or "rx"
func (d *PacketLog) LogPacket(direction string, p gaia.Packet, raw []byte) {
	if !d.Enabled() {
		return
	}

	fields := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"direction": direction,
		"session":   d.session,
		"transport": p.Transport.String(),
		"vendor":    fmt.Sprintf("0x%04X", p.VendorID),
		"command":   fmt.Sprintf("0x%04X", p.BaseCommand()),
		"ack":       p.IsAck(),
		"payload":   hex.EncodeToString(p.Payload),
		"raw_hex":   hex.EncodeToString(raw),
	}
	if status, ok := p.Status(); ok {
		fields["status"] = status.String()
	}
	if event, ok := p.Event(); ok {
		fields["event"] = fmt.Sprintf("0x%02X", uint8(event))
	}

	d.appendJSONL(packetsFile, fields)
}

// LogOperation records a GATT operation handed to the transport
func (d *PacketLog) LogOperation(op *gatt.Operation) {
	if !d.Enabled() {
		return
	}

	fields := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"direction": "tx",
		"session":   d.session,
		"operation": op.Kind.String(),
		"handle":    fmt.Sprintf("0x%04X", op.Handle),
		"attempt":   op.Attempts,
	}
	if op.Kind == gatt.KindNotify {
		fields["enable"] = op.Enable
	}
	if len(op.Value) > 0 {
		fields["data_len"] = len(op.Value)
		fields["data_hex"] = hex.EncodeToString(op.Value)
	}

	d.appendJSONL(operationsFile, fields)
}

// LogOperationResult records a GATT completion callback
func (d *PacketLog) LogOperationResult(handle uint16, status gatt.Status, value []byte) {
	if !d.Enabled() {
		return
	}

	fields := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"direction": "rx",
		"session":   d.session,
		"handle":    fmt.Sprintf("0x%04X", handle),
		"status":    status.String(),
	}
	if len(value) > 0 {
		fields["data_len"] = len(value)
		fields["data_hex"] = hex.EncodeToString(value)
	}

	d.appendJSONL(operationsFile, fields)
}

// appendJSONL appends a JSON line to a file
func (d *PacketLog) appendJSONL(filename string, fields map[string]interface{}) {
	record, err := structpb.NewStruct(fields)
	if err != nil {
		return
	}
	line, err := protojson.Marshal(record)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(d.debugDir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return // Best-effort
	}
	defer f.Close()

	f.Write(line)
	f.Write([]byte("\n"))
}

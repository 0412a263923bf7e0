package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couriernet/courier/internal/config"
	"github.com/couriernet/courier/internal/observability"
)

// testMetrics is shared by every node in the package's tests: NewMetrics
// registers its collectors with the default Prometheus registry, so a
// second call in the same process panics.
var testMetrics = observability.NewMetrics()

func newTestNode(t *testing.T, port int) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Port = port
	cfg.Node.NodeID = "test-node"
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "node.db")
	cfg.Transfer.ChunkSize = 4
	cfg.Transfer.WindowSize = 64
	cfg.Transfer.BaseRTOMs = 50
	cfg.Transfer.MaxRTOMs = 500
	cfg.FEC.Enabled = false

	log := observability.NewLogger(cfg.Node.NodeID, false, os.Stderr)
	metrics := testMetrics

	n, err := New(cfg, t.TempDir(), log, metrics)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

func TestSendFileEndToEndBetweenTwoNodes(t *testing.T) {
	sender := newTestNode(t, 0)
	receiver := newTestNode(t, 0)

	ctx := context.Background()
	if err := sender.Start(ctx); err != nil {
		t.Fatalf("sender.Start: %v", err)
	}
	if err := receiver.Start(ctx); err != nil {
		t.Fatalf("receiver.Start: %v", err)
	}

	receiverAddr := receiver.io.LocalAddr()

	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte("hello courier"), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	bundleID, err := sender.SendFile(ctx, path, "receiver", receiverAddr.IP.String(), receiverAddr.Port, false)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, ok := sender.GetSendStatus(ctx, bundleID)
		if ok && status.Completed {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	status, ok := sender.GetSendStatus(ctx, bundleID)
	if !ok || !status.Completed {
		t.Fatalf("expected sender-side bundle %s to complete, status=%+v ok=%v", bundleID, status, ok)
	}

	data, err := os.ReadFile(filepath.Join(receiver.recvEngine.OutputDir(), "bundle_"+bundleID+".bin"))
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if string(data) != "hello courier" {
		t.Fatalf("unexpected delivered content: %q", data)
	}
}

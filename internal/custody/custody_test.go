package custody

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/couriernet/courier/internal/config"
	"github.com/couriernet/courier/internal/model"
	"github.com/couriernet/courier/internal/observability"
	"github.com/couriernet/courier/internal/store"
	"github.com/couriernet/courier/internal/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []wire.Message
}

func (s *recordingSender) Send(msg wire.Message, dest *net.UDPAddr) bool {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return true
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSender) last() wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

// testMetrics is shared by every test in the package: NewMetrics
// registers its collectors with the default Prometheus registry, so a
// second call in the same process panics.
var testMetrics = observability.NewMetrics()

func newTestManager(t *testing.T, cfg config.Custody) (*Manager, *recordingSender, store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "custody.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sender := &recordingSender{}
	log := observability.NewLogger("test-node", false, os.Stderr)
	metrics := testMetrics

	m := New(cfg, st, sender, "test-node", log, metrics)
	return m, sender, st
}

func TestHandleCustodyReqAccepts(t *testing.T) {
	m, sender, st := newTestManager(t, config.Custody{MaxRetries: 10, BackoffBaseSec: 2})
	ctx := context.Background()
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9200}

	// custody_records declares a FOREIGN KEY on bundles, so the bundle
	// row is seeded first.
	if err := st.SaveBundle(ctx, model.Bundle{BundleID: "bundleCustody001", State: model.BundleReceiving, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed bundle: %v", err)
	}

	m.HandleCustodyReq(ctx, wire.CustodyReqMsg{
		BundleID: "bundleCustody001",
		Ranges:   [][2]int64{{0, 10}},
	}, dest)

	record, ok := m.GetRecord("bundleCustody001")
	if !ok {
		t.Fatalf("expected in-memory custody record after accept")
	}
	if record.State != model.CustodyAccepted {
		t.Fatalf("expected state accepted, got %s", record.State)
	}
	if sender.count() != 1 {
		t.Fatalf("expected 1 CUSTODY_ACK sent, got %d", sender.count())
	}
	ack, ok := sender.last().(wire.CustodyAckMsg)
	if !ok {
		t.Fatalf("expected a CustodyAckMsg, got %T", sender.last())
	}
	if ack.AckNonce == 0 {
		t.Fatalf("expected a freshly generated non-zero ack nonce")
	}

	persisted, ok, err := st.LoadCustodyRecord(ctx, "bundleCustody001")
	if err != nil || !ok {
		t.Fatalf("expected persisted custody record, err=%v ok=%v", err, ok)
	}
	if persisted.State != model.CustodyAccepted {
		t.Fatalf("expected persisted state accepted, got %s", persisted.State)
	}
}

func TestHandleCustodyAckUpdatesBundleState(t *testing.T) {
	m, _, st := newTestManager(t, config.Custody{MaxRetries: 10, BackoffBaseSec: 2})
	ctx := context.Background()

	if err := st.SaveBundle(ctx, model.Bundle{BundleID: "bundleCustody002", State: model.BundleSending, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed bundle: %v", err)
	}

	m.HandleCustodyAck(ctx, wire.CustodyAckMsg{BundleID: "bundleCustody002"})

	b, ok, err := st.LoadBundle(ctx, "bundleCustody002")
	if err != nil || !ok {
		t.Fatalf("expected bundle to exist, err=%v", err)
	}
	if b.State != model.BundleCustodyTransferred {
		t.Fatalf("expected custody_transferred state, got %s", b.State)
	}
}

func TestHandleDeliveredMarksRecordComplete(t *testing.T) {
	m, _, st := newTestManager(t, config.Custody{MaxRetries: 10, BackoffBaseSec: 2})
	ctx := context.Background()
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9201}

	if err := st.SaveBundle(ctx, model.Bundle{BundleID: "bundleCustody003", State: model.BundleReceiving, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed bundle: %v", err)
	}
	m.HandleCustodyReq(ctx, wire.CustodyReqMsg{BundleID: "bundleCustody003", Ranges: [][2]int64{{0, 5}}}, dest)

	m.HandleDelivered(ctx, "bundleCustody003")

	record, ok := m.GetRecord("bundleCustody003")
	if !ok {
		t.Fatalf("expected custody record")
	}
	if record.State != model.CustodyComplete {
		t.Fatalf("expected complete state, got %s", record.State)
	}
}

func TestCheckRetryTimersBacksOffThenFails(t *testing.T) {
	m, _, st := newTestManager(t, config.Custody{MaxRetries: 1, BackoffBaseSec: 0})
	ctx := context.Background()
	dest := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9202}

	if err := st.SaveBundle(ctx, model.Bundle{BundleID: "bundleCustody004", State: model.BundleReceiving, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seed bundle: %v", err)
	}
	m.HandleCustodyReq(ctx, wire.CustodyReqMsg{BundleID: "bundleCustody004", Ranges: [][2]int64{{0, 5}}}, dest)

	// First retry: retry_count 0 -> 1, state remains accepted.
	m.CheckRetryTimers(ctx)
	record, _ := m.GetRecord("bundleCustody004")
	if record.State != model.CustodyAccepted || record.RetryCount != 1 {
		t.Fatalf("expected one retry recorded, got state=%s retry_count=%d", record.State, record.RetryCount)
	}

	// Second retry: retry_count (1) >= max_retries (1) -> failed.
	m.CheckRetryTimers(ctx)
	record, _ = m.GetRecord("bundleCustody004")
	if record.State != model.CustodyFailed {
		t.Fatalf("expected failed state after exhausting retries, got %s", record.State)
	}
}

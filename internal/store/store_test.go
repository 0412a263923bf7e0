package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/couriernet/courier/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courier-test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadBundle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	b := model.Bundle{
		BundleID:    "bundle0000000001",
		Src:         "nodeA",
		Dst:         "nodeB",
		TTLSec:      300,
		State:       model.BundleSending,
		TotalChunks: 10,
		FECEnabled:  true,
		K:           4,
		R:           2,
		FilePath:    "/tmp/file.bin",
		FileSize:    1024,
		CreatedAt:   time.Now(),
	}
	if err := s.SaveBundle(ctx, b); err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}

	got, ok, err := s.LoadBundle(ctx, b.BundleID)
	if err != nil || !ok {
		t.Fatalf("LoadBundle: ok=%v err=%v", ok, err)
	}
	if got.Src != b.Src || got.Dst != b.Dst || got.TotalChunks != b.TotalChunks || got.K != b.K || got.R != b.R {
		t.Fatalf("round trip mismatch: got %+v", got)
	}

	if err := s.UpdateBundleState(ctx, b.BundleID, model.BundleDelivered); err != nil {
		t.Fatalf("UpdateBundleState: %v", err)
	}
	got, _, _ = s.LoadBundle(ctx, b.BundleID)
	if got.State != model.BundleDelivered {
		t.Fatalf("expected delivered state, got %s", got.State)
	}

	bytesSent := int64(512)
	if err := s.UpdateBundleStats(ctx, b.BundleID, &bytesSent, nil); err != nil {
		t.Fatalf("UpdateBundleStats: %v", err)
	}
	got, _, _ = s.LoadBundle(ctx, b.BundleID)
	if got.BytesSent != 512 {
		t.Fatalf("expected bytes_sent 512, got %d", got.BytesSent)
	}
}

func TestLoadBundleMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LoadBundle(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing bundle")
	}
}

func TestSaveChunksBulkAndLoad(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	bundle := model.Bundle{BundleID: "bundleXYZ", Src: "a", Dst: "b", TTLSec: 60, State: model.BundleReceiving, CreatedAt: time.Now()}
	if err := s.SaveBundle(ctx, bundle); err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}

	chunks := []model.Chunk{
		{BundleID: bundle.BundleID, ChunkID: 0, BlockID: 0, K: 4, R: 2, Payload: []byte("hello"), Checksum: 123},
		{BundleID: bundle.BundleID, ChunkID: 1, BlockID: 0, K: 4, R: 2, Payload: []byte("world"), Checksum: 456},
	}
	if err := s.SaveChunksBulk(ctx, chunks); err != nil {
		t.Fatalf("SaveChunksBulk: %v", err)
	}

	loaded, err := s.LoadChunksForBundle(ctx, bundle.BundleID)
	if err != nil {
		t.Fatalf("LoadChunksForBundle: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(loaded))
	}
	if loaded[0].ChunkID != 0 || string(loaded[0].Payload) != "hello" {
		t.Fatalf("unexpected first chunk: %+v", loaded[0])
	}
}

func TestCustodyRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	bundle := model.Bundle{BundleID: "bundleCR", Src: "a", Dst: "b", TTLSec: 60, State: model.BundleReceiving, CreatedAt: time.Now()}
	if err := s.SaveBundle(ctx, bundle); err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}

	rec := model.CustodyRecord{
		BundleID:   bundle.BundleID,
		OwnerNode:  "nodeB",
		Ranges:     []model.ChunkRange{{Lo: 0, Hi: 10}},
		RetryTimer: time.Now().Add(2 * time.Second),
		RetryCount: 0,
		MaxRetries: 10,
		State:      model.CustodyAccepted,
	}
	if err := s.SaveCustodyRecord(ctx, rec); err != nil {
		t.Fatalf("SaveCustodyRecord: %v", err)
	}
	got, ok, err := s.LoadCustodyRecord(ctx, bundle.BundleID)
	if err != nil || !ok {
		t.Fatalf("LoadCustodyRecord: ok=%v err=%v", ok, err)
	}
	if got.OwnerNode != rec.OwnerNode || got.State != rec.State || len(got.Ranges) != 1 || got.Ranges[0].Hi != 10 {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestDeleteBundleCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	bundle := model.Bundle{BundleID: "bundleDel", Src: "a", Dst: "b", TTLSec: 60, State: model.BundleReceiving, CreatedAt: time.Now()}
	s.SaveBundle(ctx, bundle)
	s.SaveChunksBulk(ctx, []model.Chunk{{BundleID: bundle.BundleID, ChunkID: 0, K: 1, R: 0, Payload: []byte("x")}})
	s.SaveCustodyRecord(ctx, model.CustodyRecord{BundleID: bundle.BundleID, OwnerNode: "n", RetryTimer: time.Now(), State: model.CustodyPending})

	if err := s.DeleteBundle(ctx, bundle.BundleID); err != nil {
		t.Fatalf("DeleteBundle: %v", err)
	}

	if _, ok, _ := s.LoadBundle(ctx, bundle.BundleID); ok {
		t.Fatalf("expected bundle deleted")
	}
	chunks, _ := s.LoadChunksForBundle(ctx, bundle.BundleID)
	if len(chunks) != 0 {
		t.Fatalf("expected chunks deleted, got %d", len(chunks))
	}
	if _, ok, _ := s.LoadCustodyRecord(ctx, bundle.BundleID); ok {
		t.Fatalf("expected custody record deleted")
	}
}

func TestCleanupExpiredBundles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	expired := model.Bundle{
		BundleID: "bundleExpired", Src: "a", Dst: "b", TTLSec: 1,
		State: model.BundleSending, CreatedAt: time.Now().Add(-1 * time.Hour),
	}
	fresh := model.Bundle{
		BundleID: "bundleFresh", Src: "a", Dst: "b", TTLSec: 3600,
		State: model.BundleSending, CreatedAt: time.Now(),
	}
	s.SaveBundle(ctx, expired)
	s.SaveBundle(ctx, fresh)

	n, err := s.CleanupExpiredBundles(ctx, time.Now())
	if err != nil {
		t.Fatalf("CleanupExpiredBundles: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired bundle removed, got %d", n)
	}
	if _, ok, _ := s.LoadBundle(ctx, fresh.BundleID); !ok {
		t.Fatalf("expected fresh bundle to survive cleanup")
	}
}

func TestListBundlesByState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.SaveBundle(ctx, model.Bundle{BundleID: "b1", Src: "a", Dst: "b", TTLSec: 60, State: model.BundleSending, CreatedAt: time.Now()})
	s.SaveBundle(ctx, model.Bundle{BundleID: "b2", Src: "a", Dst: "b", TTLSec: 60, State: model.BundleDelivered, CreatedAt: time.Now()})

	sending, err := s.ListBundlesByState(ctx, model.BundleSending)
	if err != nil {
		t.Fatalf("ListBundlesByState: %v", err)
	}
	if len(sending) != 1 || sending[0].BundleID != "b1" {
		t.Fatalf("unexpected result: %+v", sending)
	}
}

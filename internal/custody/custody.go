// Package custody implements Courier's custody-transfer protocol: a node
// accepting a CUSTODY_REQ promises to see the bundle through to delivery,
// releasing the upstream sender once it acknowledges. Retry of a stalled
// custody forward backs off exponentially until max_retries is exhausted.
package custody

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/couriernet/courier/internal/config"
	"github.com/couriernet/courier/internal/model"
	"github.com/couriernet/courier/internal/observability"
	"github.com/couriernet/courier/internal/store"
	"github.com/couriernet/courier/internal/wire"
)

// Sender transmits an already-encoded wire message to dest.
type Sender interface {
	Send(msg wire.Message, dest *net.UDPAddr) bool
}

// Manager tracks every bundle this node currently holds custody of, and
// the retry timers driving custody forwarding.
type Manager struct {
	cfg     config.Custody
	store   store.Store
	sender  Sender
	nodeID  string
	log     *observability.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	active map[string]*model.CustodyRecord
}

// New constructs a custody Manager.
func New(cfg config.Custody, st store.Store, sender Sender, nodeID string, log *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		sender:  sender,
		nodeID:  nodeID,
		log:     log,
		metrics: metrics,
		active:  make(map[string]*model.CustodyRecord),
	}
}

// HandleCustodyReq accepts custody of the named ranges and immediately
// acknowledges, releasing the upstream sender of its obligation.
func (m *Manager) HandleCustodyReq(ctx context.Context, msg wire.CustodyReqMsg, senderAddr *net.UDPAddr) {
	now := time.Now()
	ranges := make([]model.ChunkRange, len(msg.Ranges))
	for i, r := range msg.Ranges {
		ranges[i] = model.ChunkRange{Lo: r[0], Hi: r[1]}
	}

	record := &model.CustodyRecord{
		BundleID:   msg.BundleID,
		OwnerNode:  m.nodeID,
		Ranges:     ranges,
		RetryTimer: now.Add(time.Duration(m.cfg.BackoffBaseSec) * time.Second),
		RetryCount: 0,
		MaxRetries: m.cfg.MaxRetries,
		State:      model.CustodyAccepted,
	}
	m.saveRecord(ctx, record)

	m.log.CustodyAccepted(msg.BundleID, senderAddr.String(), len(ranges))
	m.sender.Send(wire.CustodyAckMsg{BundleID: msg.BundleID, AckNonce: wire.NewAckNonce(), Ranges: msg.Ranges}, senderAddr)
}

// HandleCustodyAck marks a bundle this node sent as custody-transferred.
// It does not verify the ack nonce, matching the original protocol: any
// CUSTODY_ACK for a bundle we sent is trusted at face value.
func (m *Manager) HandleCustodyAck(ctx context.Context, msg wire.CustodyAckMsg) {
	if err := m.store.UpdateBundleState(ctx, msg.BundleID, model.BundleCustodyTransferred); err != nil {
		m.log.Error(err, "failed to persist custody_transferred state")
	}
	m.log.Info("custody transfer confirmed for bundle " + msg.BundleID)
}

// HandleDelivered marks any local custody record for bundleID complete
// once the end-to-end DELIVERED confirmation arrives.
func (m *Manager) HandleDelivered(ctx context.Context, bundleID string) {
	m.mu.Lock()
	record, ok := m.active[bundleID]
	m.mu.Unlock()
	if !ok || record.State == model.CustodyComplete || record.State == model.CustodyFailed {
		return
	}

	record.State = model.CustodyComplete
	m.saveRecord(ctx, record)
	m.log.Info("custody complete for bundle " + bundleID)
}

// CheckRetryTimers is called periodically by the node to drive custody
// forwarding retries. Each expired timer backs off exponentially;
// max_retries failures mark the record permanently failed.
func (m *Manager) CheckRetryTimers(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	records := make([]*model.CustodyRecord, 0, len(m.active))
	for _, r := range m.active {
		records = append(records, r)
	}
	m.mu.Unlock()

	for _, record := range records {
		if record.State == model.CustodyComplete || record.State == model.CustodyFailed {
			continue
		}
		if now.Before(record.RetryTimer) {
			continue
		}

		if record.RetryCount >= record.MaxRetries {
			record.State = model.CustodyFailed
			m.saveRecord(ctx, record)
			m.metrics.CustodyTransfersTotal.WithLabelValues("failed").Inc()
			m.log.CustodyRetryFailed(record.BundleID, record.RetryCount)
			continue
		}

		record.RetryCount++
		backoff := time.Duration(1<<uint(record.RetryCount)) * time.Duration(m.cfg.BackoffBaseSec) * time.Second
		record.RetryTimer = now.Add(backoff)
		m.saveRecord(ctx, record)
		m.metrics.CustodyRetriesTotal.Inc()
	}
}

// GetRecord returns the in-memory custody record for bundleID, if any.
func (m *Manager) GetRecord(bundleID string) (model.CustodyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.active[bundleID]
	if !ok {
		return model.CustodyRecord{}, false
	}
	return *record, true
}

func (m *Manager) saveRecord(ctx context.Context, record *model.CustodyRecord) {
	if err := m.store.SaveCustodyRecord(ctx, *record); err != nil {
		m.log.Error(err, "failed to persist custody record")
	}

	m.mu.Lock()
	_, existed := m.active[record.BundleID]
	m.active[record.BundleID] = record
	m.mu.Unlock()

	if !existed {
		m.metrics.CustodyRecordsActive.Inc()
	}
	if record.State == model.CustodyComplete || record.State == model.CustodyFailed {
		m.metrics.CustodyRecordsActive.Dec()
		if record.State == model.CustodyComplete {
			m.metrics.CustodyTransfersTotal.WithLabelValues("complete").Inc()
		}
	}
}

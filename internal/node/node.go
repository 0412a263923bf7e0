// Package node wires together storage, datagram I/O, the send and
// receive engines, and the custody manager into a single running
// Courier endpoint, and exposes the API the CLI drives.
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/couriernet/courier/internal/config"
	"github.com/couriernet/courier/internal/custody"
	"github.com/couriernet/courier/internal/model"
	"github.com/couriernet/courier/internal/netio"
	"github.com/couriernet/courier/internal/observability"
	"github.com/couriernet/courier/internal/recvengine"
	"github.com/couriernet/courier/internal/sendengine"
	"github.com/couriernet/courier/internal/store"
	"github.com/couriernet/courier/internal/wire"
)

const (
	tickInterval         = 10 * time.Millisecond
	timeoutCheckInterval = 50 * time.Millisecond
	cleanupCheckInterval = 60 * time.Second
)

// BundleStatus is the status view returned to the CLI, merging
// in-memory send-engine state with the durable bundle row the way the
// original's get_send_status does: in-memory state is authoritative
// where present, the DB row fills in everything else and is never
// treated as a hard failure when absent.
type BundleStatus struct {
	BundleID            string
	Src                 string
	Dst                 string
	FilePath            string
	FileSize            int64
	State               model.BundleState
	FECEnabled          bool
	TotalChunks         int64
	BytesSent           int64
	ChunksRetransmitted int64
	Progress            float64
	AckedChunks         int
	Completed           bool
	WindowStart         int
	WindowEnd           int
	TimeoutIntervalMs   float64
	SmoothedRTTMs       float64
}

// Node orchestrates one Courier endpoint: it owns the store, the UDP
// socket, both transfer engines, and the custody manager, and drives
// their periodic maintenance from a single tick loop.
type Node struct {
	cfg    config.Config
	nodeID string

	store      store.Store
	io         *netio.IO
	sendEngine *sendengine.Engine
	recvEngine *recvengine.Engine
	custodyMgr *custody.Manager
	log        *observability.Logger
	metrics    *observability.Metrics
	obsServer  *observability.Server

	mu               sync.RWMutex
	sendDestinations map[string]*net.UDPAddr

	running bool
	stop    chan struct{}
	done    chan struct{}

	lastTimeoutCheck time.Time
	lastCleanup      time.Time
}

// New constructs a Node from cfg. outputDir is where the receive engine
// writes completed bundles.
func New(cfg config.Config, outputDir string, log *observability.Logger, metrics *observability.Metrics) (*Node, error) {
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	n := &Node{
		cfg:              cfg,
		nodeID:           cfg.Node.NodeID,
		store:            st,
		log:              log,
		metrics:          metrics,
		sendDestinations: make(map[string]*net.UDPAddr),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}

	io, err := netio.Open(cfg.Node.Port, n.handleMessage, log.Zerolog())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: open socket: %w", err)
	}
	n.io = io

	n.sendEngine = sendengine.New(cfg.Transfer, cfg.FEC, st, io, n.nodeID, log, metrics)
	n.recvEngine, err = recvengine.New(cfg.Transfer, cfg.FEC, st, io, n.nodeID, outputDir, log, metrics)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: create receive engine: %w", err)
	}
	n.custodyMgr = custody.New(cfg.Custody, st, io, n.nodeID, log, metrics)

	if cfg.Observability.Addr != "" {
		n.obsServer = observability.NewServer(cfg.Observability.Addr, n.nodeID, metrics)
	}

	return n, nil
}

// Start begins listening, resumes any in-flight sends left over from a
// prior run, and launches the periodic maintenance tick loop.
func (n *Node) Start(ctx context.Context) error {
	n.io.Start()
	if n.obsServer != nil {
		n.obsServer.Start(n.log)
	}

	resumed, err := n.sendEngine.ResumeTransfers(ctx)
	if err != nil {
		n.log.Error(err, "failed to resume in-flight sends")
	}
	for _, bundleID := range resumed {
		n.log.Info(fmt.Sprintf("resumed bundle %s without a known destination; awaiting SendFile or a peer retransmission", bundleID))
	}

	n.running = true
	now := time.Now()
	n.lastTimeoutCheck = now
	n.lastCleanup = now
	go n.tickLoop(ctx)

	n.log.Info(fmt.Sprintf("node %s started on port %d", n.nodeID, n.cfg.Node.Port))
	return nil
}

// Stop halts the tick loop, closes the socket, and closes the store.
func (n *Node) Stop() {
	if !n.running {
		return
	}
	n.running = false
	close(n.stop)
	<-n.done

	if n.obsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.obsServer.Shutdown(shutdownCtx); err != nil {
			n.log.Error(err, "failed to shut down observability server")
		}
	}

	n.io.Stop()
	if err := n.store.Close(); err != nil {
		n.log.Error(err, "failed to close store")
	}
	n.log.Info("node stopped")
}

func (n *Node) tickLoop(ctx context.Context) {
	defer close(n.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	cleanupInterval := cleanupCheckInterval
	if n.cfg.Storage.CleanupIntervalSec > 0 {
		cleanupInterval = time.Duration(n.cfg.Storage.CleanupIntervalSec) * time.Second
	}

	for {
		select {
		case <-n.stop:
			return
		case now := <-ticker.C:
			if now.Sub(n.lastTimeoutCheck) > timeoutCheckInterval {
				n.checkTimeouts(ctx)
				n.lastTimeoutCheck = now
			}
			if now.Sub(n.lastCleanup) > cleanupInterval {
				n.periodicCleanup(ctx)
				n.lastCleanup = now
			}
		}
	}
}

func (n *Node) checkTimeouts(ctx context.Context) {
	n.sendEngine.CheckTimeouts()

	n.mu.RLock()
	destinations := make(map[string]*net.UDPAddr, len(n.sendDestinations))
	for k, v := range n.sendDestinations {
		destinations[k] = v
	}
	n.mu.RUnlock()

	for bundleID, dest := range destinations {
		n.sendEngine.RetransmitChunks(ctx, bundleID, dest)
	}

	n.custodyMgr.CheckRetryTimers(ctx)
}

func (n *Node) periodicCleanup(ctx context.Context) {
	n.sendEngine.CleanupCompletedTransfers()
	if removed, err := n.store.CleanupExpiredBundles(ctx, time.Now()); err != nil {
		n.log.Error(err, "failed to clean up expired bundles")
	} else if removed > 0 {
		n.log.Debug(fmt.Sprintf("cleaned up %d expired bundles", removed))
	}
}

// handleMessage routes one decoded inbound datagram to the engine(s)
// responsible for its message type.
func (n *Node) handleMessage(msg wire.Message, senderAddr *net.UDPAddr) {
	ctx := context.Background()
	switch m := msg.(type) {
	case wire.DataMsg:
		ctx, span := observability.Tracer().Start(ctx, "courier.HandleData")
		n.recvEngine.HandleData(ctx, m, senderAddr)
		span.End()
	case wire.SackMsg:
		n.sendEngine.HandleSACK(ctx, m, senderAddr)
	case wire.DeliveredMsg:
		n.sendEngine.HandleDelivered(m.BundleID)
		n.custodyMgr.HandleDelivered(ctx, m.BundleID)
	case wire.CustodyReqMsg:
		n.custodyMgr.HandleCustodyReq(ctx, m, senderAddr)
	case wire.CustodyAckMsg:
		n.custodyMgr.HandleCustodyAck(ctx, m)
	default:
		n.log.Warn(fmt.Sprintf("unhandled message type %T from %s", msg, senderAddr))
	}
}

// SendFile begins sending filePath to destHost:destPort under the
// logical destination name. It registers the bundle's destination so
// the tick loop can drive its retransmissions.
func (n *Node) SendFile(ctx context.Context, filePath, destinationNode, destHost string, destPort int, fecEnabled bool) (string, error) {
	ctx, span := observability.Tracer().Start(ctx, "courier.SendFile")
	defer span.End()

	destAddr := &net.UDPAddr{IP: net.ParseIP(destHost), Port: destPort}
	if destAddr.IP == nil {
		resolved, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", destHost, destPort))
		if err != nil {
			return "", fmt.Errorf("node: resolve destination %s:%d: %w", destHost, destPort, err)
		}
		destAddr = resolved
	}

	bundleID, err := n.sendEngine.SendFile(ctx, filePath, destinationNode, destAddr, fecEnabled)
	if err != nil {
		return "", err
	}

	n.mu.Lock()
	n.sendDestinations[bundleID] = destAddr
	n.mu.Unlock()

	return bundleID, nil
}

// GetSendStatus returns bundleID's merged in-memory/durable status, or
// ok=false if nothing is known about it anywhere.
func (n *Node) GetSendStatus(ctx context.Context, bundleID string) (BundleStatus, bool) {
	sendStatus, haveSend := n.sendEngine.GetStatus(bundleID)
	bundle, haveBundle, err := n.store.LoadBundle(ctx, bundleID)
	if err != nil {
		n.log.Error(err, "failed to load bundle for status")
	}

	if !haveSend && !haveBundle {
		return BundleStatus{}, false
	}

	status := BundleStatus{BundleID: bundleID}
	if haveSend {
		status.TotalChunks = int64(sendStatus.TotalChunks)
		status.AckedChunks = sendStatus.AckedChunks
		status.Progress = sendStatus.Progress
		status.Completed = sendStatus.Completed
		status.WindowStart = sendStatus.WindowStart
		status.WindowEnd = sendStatus.WindowEnd
		status.TimeoutIntervalMs = sendStatus.TimeoutIntervalMs
		status.SmoothedRTTMs = sendStatus.SmoothedRTTMs
		status.BytesSent = sendStatus.BytesSent
		status.ChunksRetransmitted = sendStatus.ChunksRetransmitted
	} else if haveBundle {
		status.Completed = bundle.State == model.BundleDelivered
		if status.Completed {
			status.Progress = 1.0
		}
	}

	if haveBundle {
		status.Src = bundle.Src
		status.Dst = bundle.Dst
		status.FilePath = bundle.FilePath
		status.FileSize = bundle.FileSize
		status.State = bundle.State
		status.FECEnabled = bundle.FECEnabled
		status.TotalChunks = bundle.TotalChunks
		if bundle.BytesSent > status.BytesSent {
			status.BytesSent = bundle.BytesSent
		}
		if bundle.ChunksRetransmitted > status.ChunksRetransmitted {
			status.ChunksRetransmitted = bundle.ChunksRetransmitted
		}
	} else {
		status.Src = n.nodeID
		status.Dst = "unknown"
		status.State = model.BundleSending
	}

	if status.Completed {
		status.State = model.BundleDelivered
	}
	return status, true
}

// ListBundles returns every known bundle, optionally filtered by state.
func (n *Node) ListBundles(ctx context.Context, stateFilter model.BundleState) ([]model.Bundle, error) {
	if stateFilter != "" {
		return n.store.ListBundlesByState(ctx, stateFilter)
	}
	return n.store.ListBundles(ctx)
}

// WaitForCompletion polls bundleID's status every 100ms until it
// reports complete, the node stops, or timeout elapses (timeout <= 0
// means wait indefinitely).
func (n *Node) WaitForCompletion(ctx context.Context, bundleID string, timeout time.Duration) bool {
	start := time.Now()
	for n.running {
		status, ok := n.GetSendStatus(ctx, bundleID)
		if !ok {
			n.log.Warn(fmt.Sprintf("bundle %s not found while waiting for completion", bundleID))
			return false
		}
		if status.Completed || status.State == model.BundleDelivered {
			return true
		}
		if timeout > 0 && time.Since(start) > timeout {
			n.log.Warn(fmt.Sprintf("timed out waiting for bundle %s to complete", bundleID))
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

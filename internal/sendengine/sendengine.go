// Package sendengine implements Courier's send path: chunking a file
// (with optional XOR FEC), sliding-window transmission paced against an
// RFC 6298-style RTO estimate, SACK handling, and timeout-driven
// retransmission.
package sendengine

import (
	"context"
	"fmt"
	"hash/crc32"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couriernet/courier/internal/config"
	"github.com/couriernet/courier/internal/fec"
	"github.com/couriernet/courier/internal/model"
	"github.com/couriernet/courier/internal/observability"
	"github.com/couriernet/courier/internal/store"
	"github.com/couriernet/courier/internal/wire"
)

// Sender transmits an already-encoded wire message to dest, reporting
// whether the datagram went out.
type Sender interface {
	Send(msg wire.Message, dest *net.UDPAddr) bool
}

const (
	minRTOMs      = 100.0
	sendPaceEvery = 10
	sendPaceDelay = time.Millisecond
)

// sendState is one bundle's in-memory transmission state. Fields that
// change after creation are read and written under mu. Engine never
// holds a bundle's lock while calling the store; sendWindow and
// RetransmitChunks do hold it while they call the Sender.
type sendState struct {
	mu sync.Mutex

	bundleID    string
	destAddr    *net.UDPAddr
	windowStart int
	windowEnd   int
	windowSize  int
	totalChunks int

	ackedChunks         map[uint32]struct{}
	retransmitQueue     []uint32
	chunkTimers         map[uint32]time.Time
	sendTimestamps      map[uint32]time.Time
	retransmittedChunks map[uint32]struct{}

	timeoutIntervalMs float64
	srtt              float64
	rttvar            float64
	hasRTTSample      bool

	bytesSent           int64
	chunksRetransmitted int64
	completed           bool
}

// Status is the point-in-time snapshot returned by GetStatus.
type Status struct {
	BundleID            string
	TotalChunks         int
	AckedChunks         int
	Progress            float64
	BytesSent           int64
	ChunksRetransmitted int64
	Completed           bool
	WindowStart         int
	WindowEnd           int
	TimeoutIntervalMs   float64
	SmoothedRTTMs       float64
}

// Engine owns every bundle this node is currently sending.
type Engine struct {
	transferCfg config.Transfer
	fecCfg      config.FEC
	store       store.Store
	sender      Sender
	nodeID      string
	log         *observability.Logger
	metrics     *observability.Metrics

	mu     sync.RWMutex
	active map[string]*sendState

	chunkMu    sync.RWMutex
	chunkCache map[string]map[uint32]model.Chunk
}

// New constructs a send Engine bound to storage and a network sender.
func New(transferCfg config.Transfer, fecCfg config.FEC, st store.Store, sender Sender, nodeID string, log *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		transferCfg: transferCfg,
		fecCfg:      fecCfg,
		store:       st,
		sender:      sender,
		nodeID:      nodeID,
		log:         log,
		metrics:     metrics,
		active:      make(map[string]*sendState),
		chunkCache:  make(map[string]map[uint32]model.Chunk),
	}
}

// chunksForBundle returns bundleID's chunk-by-id map, serving it from
// the in-memory cache when present. On a cache miss it falls back to
// the store, the way the original's _send_window reloads from
// storage.load_chunks_for_bundle: the Store is the durable backup
// consulted only after restart or cache miss.
func (e *Engine) chunksForBundle(ctx context.Context, bundleID string) map[uint32]model.Chunk {
	e.chunkMu.RLock()
	chunkByID, ok := e.chunkCache[bundleID]
	e.chunkMu.RUnlock()
	if ok {
		return chunkByID
	}

	chunks, err := e.store.LoadChunksForBundle(ctx, bundleID)
	if err != nil {
		e.log.Error(err, fmt.Sprintf("failed to load chunks for bundle %s from store", bundleID))
		return nil
	}
	if len(chunks) == 0 {
		return nil
	}

	chunkByID = make(map[uint32]model.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ChunkID] = c
	}

	e.chunkMu.Lock()
	e.chunkCache[bundleID] = chunkByID
	e.chunkMu.Unlock()
	return chunkByID
}

// SendFile chunks filePath, optionally XOR-FEC encodes it, persists the
// bundle and its chunks, and begins transmitting the initial window to
// destAddr. It returns the new bundle's id.
func (e *Engine) SendFile(ctx context.Context, filePath, destination string, destAddr *net.UDPAddr, fecEnabled bool) (string, error) {
	fileData, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("sendengine: read %s: %w", filePath, err)
	}

	useFEC := fecEnabled && e.fecCfg.Enabled && e.fecCfg.K > 0 && e.fecCfg.R > 0
	bundleID := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]

	chunks := e.createChunks(fileData, bundleID, useFEC)

	chunkByID := make(map[uint32]model.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ChunkID] = c
	}
	e.chunkMu.Lock()
	e.chunkCache[bundleID] = chunkByID
	e.chunkMu.Unlock()

	k, r := 0, 0
	if useFEC {
		k, r = e.fecCfg.K, e.fecCfg.R
	}
	bundle := model.Bundle{
		BundleID:    bundleID,
		Src:         e.nodeID,
		Dst:         destination,
		TTLSec:      int64(e.transferCfg.TTLSec),
		State:       model.BundleSending,
		TotalChunks: int64(len(chunks)),
		FECEnabled:  useFEC,
		K:           k,
		R:           r,
		FilePath:    filePath,
		FileSize:    int64(len(fileData)),
		CreatedAt:   time.Now(),
	}
	if err := e.store.SaveBundle(ctx, bundle); err != nil {
		return "", fmt.Errorf("sendengine: save bundle %s: %w", bundleID, err)
	}
	if err := e.store.SaveChunksBulk(ctx, chunks); err != nil {
		return "", fmt.Errorf("sendengine: save chunks for %s: %w", bundleID, err)
	}

	st := &sendState{
		bundleID:            bundleID,
		destAddr:            destAddr,
		windowSize:          e.transferCfg.WindowSize,
		totalChunks:         len(chunks),
		ackedChunks:         make(map[uint32]struct{}),
		chunkTimers:         make(map[uint32]time.Time),
		sendTimestamps:      make(map[uint32]time.Time),
		retransmittedChunks: make(map[uint32]struct{}),
		timeoutIntervalMs:   float64(e.transferCfg.BaseRTOMs),
	}
	st.windowEnd = min(st.windowSize, st.totalChunks)

	e.mu.Lock()
	e.active[bundleID] = st
	e.mu.Unlock()

	e.metrics.RecordBundleStart()
	e.log.TransferStarted(bundleID, filePath, int64(len(fileData)), len(chunks), useFEC)

	e.sendWindow(ctx, st)
	return bundleID, nil
}

func (e *Engine) createChunks(fileData []byte, bundleID string, fecEnabled bool) []model.Chunk {
	chunkSize := e.transferCfg.ChunkSize
	numDataChunks := (len(fileData) + chunkSize - 1) / chunkSize
	if len(fileData) == 0 {
		numDataChunks = 1
	}

	chunks := make([]model.Chunk, 0, numDataChunks)
	for i := 0; i < numDataChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(fileData) {
			end = len(fileData)
		}
		payload := append([]byte(nil), fileData[start:end]...)

		blockID := 0
		k, r := 0, 0
		if fecEnabled && e.fecCfg.K > 0 {
			blockID = i / e.fecCfg.K
			k, r = e.fecCfg.K, e.fecCfg.R
		}
		chunks = append(chunks, model.Chunk{
			BundleID: bundleID,
			ChunkID:  uint32(i),
			IsParity: false,
			BlockID:  uint32(blockID),
			K:        k,
			R:        r,
			Payload:  payload,
			Checksum: crc32.ChecksumIEEE(payload),
		})
	}

	if fecEnabled && e.fecCfg.Enabled && e.fecCfg.K > 0 && e.fecCfg.R > 0 {
		chunks = append(chunks, e.generateParityChunks(chunks, bundleID)...)
	}
	return chunks
}

func (e *Engine) generateParityChunks(dataChunks []model.Chunk, bundleID string) []model.Chunk {
	k, r := e.fecCfg.K, e.fecCfg.R
	numDataChunks := len(dataChunks)
	var parity []model.Chunk

	for blockStart := 0; blockStart < numDataChunks; blockStart += k {
		blockEnd := blockStart + k
		if blockEnd > numDataChunks {
			blockEnd = numDataChunks
		}
		block := dataChunks[blockStart:blockEnd]
		if len(block) == 0 {
			continue
		}
		blockID := blockStart / k

		payloads := make([][]byte, len(block))
		for i, c := range block {
			payloads[i] = c.Payload
		}
		copies := fec.GenerateParity(payloads, r)

		for parityIdx, payload := range copies {
			chunkID := uint32(numDataChunks + blockID*r + parityIdx)
			parity = append(parity, model.Chunk{
				BundleID: bundleID,
				ChunkID:  chunkID,
				IsParity: true,
				BlockID:  uint32(blockID),
				K:        k,
				R:        r,
				Payload:  payload,
				Checksum: crc32.ChecksumIEEE(payload),
			})
		}
	}
	return parity
}

// sendWindow transmits every unacked, untimed chunk currently inside
// [windowStart, windowEnd), pacing one millisecond every ten sends the
// way the teacher's reliability manager paces retransmissions.
func (e *Engine) sendWindow(ctx context.Context, st *sendState) {
	chunkByID := e.chunksForBundle(ctx, st.bundleID)
	if chunkByID == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	sentThisBatch := 0
	for chunkID := uint32(st.windowStart); int(chunkID) < st.windowEnd; chunkID++ {
		if _, acked := st.ackedChunks[chunkID]; acked {
			continue
		}
		if expiry, pending := st.chunkTimers[chunkID]; pending && now.Before(expiry) {
			continue
		}
		chunk, ok := chunkByID[chunkID]
		if !ok {
			continue
		}

		msg := wire.DataMsg{
			BundleID:    st.bundleID,
			ChunkID:     chunk.ChunkID,
			TotalChunks: uint32(st.totalChunks),
			BlockID:     chunk.BlockID,
			K:           uint16(chunk.K),
			R:           uint16(chunk.R),
			Checksum:    chunk.Checksum,
			Payload:     chunk.Payload,
		}
		if e.sender.Send(msg, st.destAddr) {
			st.chunkTimers[chunkID] = now.Add(time.Duration(st.timeoutIntervalMs * float64(time.Millisecond)))
			st.sendTimestamps[chunkID] = now
			st.bytesSent += int64(len(chunk.Payload))
			e.metrics.RecordChunkSent(len(chunk.Payload))

			sentThisBatch++
			if sentThisBatch%sendPaceEvery == 0 {
				time.Sleep(sendPaceDelay)
			}
		}
	}
}

// HandleSACK applies a receiver's selective ack: merges newly-acked
// chunks, samples RTT for any chunk that was never retransmitted (Karn's
// rule), advances the window, and either completes the transfer or
// extends the send window.
func (e *Engine) HandleSACK(ctx context.Context, msg wire.SackMsg, senderAddr *net.UDPAddr) {
	e.mu.RLock()
	st, ok := e.active[msg.BundleID]
	e.mu.RUnlock()
	if !ok {
		e.log.Warn(fmt.Sprintf("received SACK for unknown bundle %s", msg.BundleID))
		return
	}

	ackedNow := wire.ParseSACK(msg.RecvWatermark, msg.Bitmap)

	st.mu.Lock()
	var newlyAcked []uint32
	for chunkID := range ackedNow {
		if _, already := st.ackedChunks[chunkID]; !already {
			newlyAcked = append(newlyAcked, chunkID)
		}
		st.ackedChunks[chunkID] = struct{}{}
	}

	now := time.Now()
	for _, chunkID := range newlyAcked {
		if sentAt, had := st.sendTimestamps[chunkID]; had {
			if _, retransmitted := st.retransmittedChunks[chunkID]; !retransmitted {
				rtt := float64(now.Sub(sentAt)) / float64(time.Millisecond)
				e.updateRTTEstimates(st, rtt)
			}
		}
		delete(st.chunkTimers, chunkID)
		delete(st.sendTimestamps, chunkID)
		delete(st.retransmittedChunks, chunkID)
	}

	if len(newlyAcked) > 0 {
		floor := float64(e.transferCfg.BaseRTOMs)
		ceiling := float64(e.transferCfg.MaxRTOMs)
		rto := st.srtt + 4*st.rttvar
		if rto < floor {
			rto = floor
		}
		if rto > ceiling {
			rto = ceiling
		}
		st.timeoutIntervalMs = rto
	}

	for st.windowStart < st.totalChunks {
		if _, acked := st.ackedChunks[uint32(st.windowStart)]; !acked {
			break
		}
		st.windowStart++
	}

	oldWindowEnd := st.windowEnd
	st.windowEnd = st.windowStart + st.windowSize
	if st.windowEnd > st.totalChunks {
		st.windowEnd = st.totalChunks
	}

	acked := len(st.ackedChunks)
	total := st.totalChunks
	windowGrew := st.windowEnd > oldWindowEnd
	windowStart, windowEnd := st.windowStart, st.windowEnd
	srtt, rto := st.srtt, st.timeoutIntervalMs
	st.mu.Unlock()

	e.log.TransferProgress(msg.BundleID, acked, total, windowStart, windowEnd)
	e.metrics.RecordRTOUpdate(srtt, rto)

	if acked >= total {
		e.completeTransfer(msg.BundleID)
		return
	}
	if windowGrew {
		e.sendWindow(ctx, st)
	}
}

// updateRTTEstimates applies the RFC 6298 smoothing formulas. Callers
// must hold st.mu.
func (e *Engine) updateRTTEstimates(st *sendState, rttMs float64) {
	if !st.hasRTTSample {
		st.srtt = rttMs
		st.rttvar = rttMs / 2.0
		st.hasRTTSample = true
	} else {
		st.rttvar = 0.75*st.rttvar + 0.25*math.Abs(st.srtt-rttMs)
		st.srtt = 0.875*st.srtt + 0.125*rttMs
	}

	rto := st.srtt + 4.0*st.rttvar
	maxRTO := float64(e.transferCfg.MaxRTOMs)
	if rto < minRTOMs {
		rto = minRTOMs
	} else if rto > maxRTO {
		rto = maxRTO
	}
	st.timeoutIntervalMs = rto
}

// HandleDelivered completes the transfer on receipt of an end-to-end
// DELIVERED confirmation.
func (e *Engine) HandleDelivered(bundleID string) {
	e.mu.RLock()
	_, ok := e.active[bundleID]
	e.mu.RUnlock()
	if ok {
		e.completeTransfer(bundleID)
	}
}

func (e *Engine) completeTransfer(bundleID string) {
	e.mu.RLock()
	st, ok := e.active[bundleID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	alreadyDone := st.completed
	if !alreadyDone {
		st.completed = true
	}
	bytesSent := st.bytesSent
	chunksRetx := st.chunksRetransmitted
	st.mu.Unlock()

	if alreadyDone {
		return
	}

	ctx := context.Background()
	if err := e.store.UpdateBundleState(ctx, bundleID, model.BundleDelivered); err != nil {
		e.log.Error(err, "failed to persist delivered state")
	}
	if err := e.store.UpdateBundleStats(ctx, bundleID, &bytesSent, &chunksRetx); err != nil {
		e.log.Error(err, "failed to persist final bundle stats")
	}

	e.chunkMu.Lock()
	delete(e.chunkCache, bundleID)
	e.chunkMu.Unlock()

	e.metrics.RecordBundleComplete("delivered", 0)
	e.log.TransferCompleted(bundleID, 0, st.totalChunks, 0, chunksRetx)
}

// CheckTimeouts scans every active, incomplete send for chunks whose
// retransmission timer has expired, queues them, and doubles that
// bundle's timeout interval (bounded by max_rto_ms).
func (e *Engine) CheckTimeouts() {
	e.mu.RLock()
	states := make([]*sendState, 0, len(e.active))
	for _, st := range e.active {
		states = append(states, st)
	}
	e.mu.RUnlock()

	now := time.Now()
	maxRTO := float64(e.transferCfg.MaxRTOMs)

	for _, st := range states {
		st.mu.Lock()
		if st.completed {
			st.mu.Unlock()
			continue
		}

		var timedOut []uint32
		for chunkID, expiry := range st.chunkTimers {
			if _, acked := st.ackedChunks[chunkID]; acked {
				delete(st.chunkTimers, chunkID)
				continue
			}
			if !now.Before(expiry) {
				timedOut = append(timedOut, chunkID)
			}
		}
		if len(timedOut) == 0 {
			st.mu.Unlock()
			continue
		}
		for _, chunkID := range timedOut {
			st.retransmitQueue = append(st.retransmitQueue, chunkID)
			delete(st.chunkTimers, chunkID)
		}
		st.timeoutIntervalMs *= 2.0
		if st.timeoutIntervalMs > maxRTO {
			st.timeoutIntervalMs = maxRTO
		}
		st.chunksRetransmitted += int64(len(timedOut))
		rto := st.timeoutIntervalMs
		bundleID := st.bundleID
		st.mu.Unlock()

		for _, chunkID := range timedOut {
			e.log.ChunkRetransmitted(bundleID, chunkID, rto)
		}
	}
}

// RetransmitChunks drains bundleID's retransmit queue, resending every
// chunk that is not yet acked.
func (e *Engine) RetransmitChunks(ctx context.Context, bundleID string, destAddr *net.UDPAddr) {
	e.mu.RLock()
	st, ok := e.active[bundleID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	chunkByID := e.chunksForBundle(ctx, bundleID)
	if chunkByID == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.completed {
		return
	}

	now := time.Now()
	sentThisBatch := 0
	for len(st.retransmitQueue) > 0 {
		chunkID := st.retransmitQueue[0]
		st.retransmitQueue = st.retransmitQueue[1:]

		if _, acked := st.ackedChunks[chunkID]; acked {
			continue
		}
		chunk, ok := chunkByID[chunkID]
		if !ok {
			continue
		}

		msg := wire.DataMsg{
			BundleID:    st.bundleID,
			ChunkID:     chunk.ChunkID,
			TotalChunks: uint32(st.totalChunks),
			BlockID:     chunk.BlockID,
			K:           uint16(chunk.K),
			R:           uint16(chunk.R),
			Checksum:    chunk.Checksum,
			Payload:     chunk.Payload,
		}
		if e.sender.Send(msg, destAddr) {
			st.chunkTimers[chunkID] = now.Add(time.Duration(st.timeoutIntervalMs * float64(time.Millisecond)))
			st.retransmittedChunks[chunkID] = struct{}{}

			sentThisBatch++
			if sentThisBatch%sendPaceEvery == 0 {
				time.Sleep(sendPaceDelay)
			}
		}
	}
}

// GetStatus returns a snapshot of an active send, or ok=false if no
// in-memory state exists for bundleID.
func (e *Engine) GetStatus(bundleID string) (Status, bool) {
	e.mu.RLock()
	st, ok := e.active[bundleID]
	e.mu.RUnlock()
	if !ok {
		return Status{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	progress := 0.0
	if st.totalChunks > 0 {
		progress = float64(len(st.ackedChunks)) / float64(st.totalChunks)
	}
	return Status{
		BundleID:            bundleID,
		TotalChunks:         st.totalChunks,
		AckedChunks:         len(st.ackedChunks),
		Progress:            progress,
		BytesSent:           st.bytesSent,
		ChunksRetransmitted: st.chunksRetransmitted,
		Completed:           st.completed,
		WindowStart:         st.windowStart,
		WindowEnd:           st.windowEnd,
		TimeoutIntervalMs:   st.timeoutIntervalMs,
		SmoothedRTTMs:       st.srtt,
	}, true
}

// CleanupCompletedTransfers evicts finished sends from memory.
func (e *Engine) CleanupCompletedTransfers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for bundleID, st := range e.active {
		st.mu.Lock()
		done := st.completed
		st.mu.Unlock()
		if done {
			delete(e.active, bundleID)
		}
	}
}

// ResumeTransfers recreates in-memory SendState for every bundle this
// node left in the "sending" state before a restart. Per the original
// implementation, the window restarts from 0; chunks the peer already
// acknowledged before the restart will simply be re-acked by the next
// SACK. Callers must re-register each bundle's destination address
// separately, since that is not durable state.
func (e *Engine) ResumeTransfers(ctx context.Context) ([]string, error) {
	bundles, err := e.store.ListBundlesByState(ctx, model.BundleSending)
	if err != nil {
		return nil, fmt.Errorf("sendengine: list sending bundles: %w", err)
	}

	var resumed []string
	for _, b := range bundles {
		st := &sendState{
			bundleID:            b.BundleID,
			windowSize:          e.transferCfg.WindowSize,
			totalChunks:         int(b.TotalChunks),
			ackedChunks:         make(map[uint32]struct{}),
			chunkTimers:         make(map[uint32]time.Time),
			sendTimestamps:      make(map[uint32]time.Time),
			retransmittedChunks: make(map[uint32]struct{}),
			timeoutIntervalMs:   float64(e.transferCfg.BaseRTOMs),
			bytesSent:           b.BytesSent,
			chunksRetransmitted: b.ChunksRetransmitted,
		}
		st.windowEnd = min(st.windowSize, st.totalChunks)

		e.mu.Lock()
		e.active[b.BundleID] = st
		e.mu.Unlock()

		if e.chunksForBundle(ctx, b.BundleID) == nil {
			e.log.Warn(fmt.Sprintf("resumed bundle %s has no chunks in the store; it cannot retransmit", b.BundleID))
		}

		resumed = append(resumed, b.BundleID)
		e.log.Info(fmt.Sprintf("resumed send for bundle %s", b.BundleID))
	}
	return resumed, nil
}

// SetDestAddr re-registers bundleID's destination after ResumeTransfers
// recreated its state without one.
func (e *Engine) SetDestAddr(bundleID string, destAddr *net.UDPAddr) {
	e.mu.RLock()
	st, ok := e.active[bundleID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.destAddr = destAddr
	st.mu.Unlock()
}


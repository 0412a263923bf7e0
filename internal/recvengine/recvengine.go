// Package recvengine implements Courier's receive path: accepting DATA
// chunks, deduplicating, reconstructing missing chunks via XOR FEC when
// possible, batching writes to the durable store, emitting SACKs, and
// assembling + delivering the completed file.
package recvengine

import (
	"context"
	"fmt"
	"hash/crc32"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/couriernet/courier/internal/config"
	"github.com/couriernet/courier/internal/fec"
	"github.com/couriernet/courier/internal/model"
	"github.com/couriernet/courier/internal/observability"
	"github.com/couriernet/courier/internal/store"
	"github.com/couriernet/courier/internal/wire"
)

// Sender transmits an already-encoded wire message to dest.
type Sender interface {
	Send(msg wire.Message, dest *net.UDPAddr) bool
}

const writeBufferFlushSize = 500
const sackEmitInterval = 50

// receiveState tracks one bundle's in-progress reassembly. It is
// mutated only from the node's single inbound-message goroutine, so
// unlike sendState it carries no internal lock of its own. GetStatus
// takes the Engine's map lock only to look the state up; it reads the
// state's fields without further synchronisation with HandleData.
type receiveState struct {
	bundleID      string
	totalChunks   int
	fecEnabled    bool
	k, r          int
	numDataChunks int
	outputPath    string

	receivedChunks map[uint32]struct{}
	dataChunks     map[uint32][]byte
	parityChunks   map[uint32][][]byte
	writeBuffer    []model.Chunk
	delivered      bool
}

// Engine owns every bundle this node is currently receiving.
type Engine struct {
	transferCfg config.Transfer
	fecCfg      config.FEC
	store       store.Store
	sender      Sender
	nodeID      string
	outputDir   string
	log         *observability.Logger
	metrics     *observability.Metrics

	mu     sync.RWMutex
	active map[string]*receiveState
}

// New constructs a receive Engine that writes completed bundles under
// outputDir.
func New(transferCfg config.Transfer, fecCfg config.FEC, st store.Store, sender Sender, nodeID, outputDir string, log *observability.Logger, metrics *observability.Metrics) (*Engine, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("recvengine: create output dir %s: %w", outputDir, err)
	}
	return &Engine{
		transferCfg: transferCfg,
		fecCfg:      fecCfg,
		store:       st,
		sender:      sender,
		nodeID:      nodeID,
		outputDir:   outputDir,
		log:         log,
		metrics:     metrics,
		active:      make(map[string]*receiveState),
	}, nil
}

// HandleData processes one inbound DATA chunk: creating receive state
// on first sight, deduplicating, classifying data vs. parity, attempting
// FEC reconstruction, batching the durable write, and emitting a SACK
// and/or delivering the file as appropriate.
func (e *Engine) HandleData(ctx context.Context, msg wire.DataMsg, senderAddr *net.UDPAddr) {
	e.mu.Lock()
	st, ok := e.active[msg.BundleID]
	if !ok {
		var err error
		st, err = e.createReceiveState(ctx, msg, senderAddr)
		if err != nil {
			e.mu.Unlock()
			e.log.Error(err, "failed to create receive state")
			return
		}
		e.active[msg.BundleID] = st
		e.metrics.RecordBundleStart()
	}
	e.mu.Unlock()

	if _, dup := st.receivedChunks[msg.ChunkID]; dup {
		e.sendSACK(st, senderAddr)
		return
	}

	if crc32.ChecksumIEEE(msg.Payload) != msg.Checksum {
		e.log.Warn(fmt.Sprintf("bundle %s: dropping chunk %d with bad checksum", msg.BundleID, msg.ChunkID))
		return
	}

	st.receivedChunks[msg.ChunkID] = struct{}{}
	e.metrics.RecordChunkReceived(len(msg.Payload))

	isParity := st.fecEnabled && msg.ChunkID >= uint32(st.numDataChunks)
	if st.fecEnabled && st.k > 0 && st.numDataChunks > 0 {
		if isParity {
			st.parityChunks[msg.BlockID] = append(st.parityChunks[msg.BlockID], msg.Payload)
		} else {
			st.dataChunks[msg.ChunkID] = msg.Payload
		}
	} else {
		st.dataChunks[msg.ChunkID] = msg.Payload
	}

	st.writeBuffer = append(st.writeBuffer, model.Chunk{
		BundleID: st.bundleID,
		ChunkID:  msg.ChunkID,
		IsParity: isParity,
		BlockID:  msg.BlockID,
		K:        st.k,
		R:        st.r,
		Payload:  msg.Payload,
		Checksum: msg.Checksum,
	})

	if st.fecEnabled {
		e.tryFECReconstruct(ctx, st, msg.BlockID)
	}

	if len(st.writeBuffer) >= writeBufferFlushSize || len(st.receivedChunks) == st.totalChunks {
		if err := e.store.SaveChunksBulk(ctx, st.writeBuffer); err != nil {
			e.log.Error(err, "failed to flush chunk write buffer")
		}
		st.writeBuffer = st.writeBuffer[:0]
	}

	if len(st.receivedChunks)%sackEmitInterval == 0 || len(st.writeBuffer) == 0 || len(st.receivedChunks) == st.totalChunks {
		e.sendSACK(st, senderAddr)
	}

	e.maybeDeliver(ctx, st, senderAddr)
}

func (e *Engine) createReceiveState(ctx context.Context, msg wire.DataMsg, senderAddr *net.UDPAddr) (*receiveState, error) {
	k, r := int(msg.K), int(msg.R)
	fecEnabled := k > 0 && r > 0 && e.fecCfg.Enabled

	numDataChunks := int(msg.TotalChunks)
	if fecEnabled {
		blocks, dataCount, ok := inferBlockAndDataCount(int(msg.TotalChunks), k, r)
		if ok {
			numDataChunks = dataCount
			_ = blocks
		} else {
			fecEnabled = false
			k, r = 0, 0
			e.log.Warn(fmt.Sprintf(
				"bundle %s: could not infer FEC layout from total_chunks=%d k=%d r=%d, disabling FEC",
				msg.BundleID, msg.TotalChunks, msg.K, msg.R))
		}
	}

	outputPath := filepath.Join(e.outputDir, fmt.Sprintf("bundle_%s.bin", msg.BundleID))

	bundle := model.Bundle{
		BundleID:    msg.BundleID,
		Src:         senderAddr.String(),
		Dst:         e.nodeID,
		TTLSec:      int64(e.transferCfg.TTLSec),
		State:       model.BundleReceiving,
		TotalChunks: int64(msg.TotalChunks),
		FECEnabled:  fecEnabled,
		K:           k,
		R:           r,
		FilePath:    outputPath,
		CreatedAt:   time.Now(),
	}
	if err := e.store.SaveBundle(ctx, bundle); err != nil {
		return nil, fmt.Errorf("save bundle %s: %w", msg.BundleID, err)
	}

	e.log.Info(fmt.Sprintf("created receive state for bundle %s: total_chunks=%d fec_enabled=%v num_data_chunks=%d",
		msg.BundleID, msg.TotalChunks, fecEnabled, numDataChunks))

	return &receiveState{
		bundleID:       msg.BundleID,
		totalChunks:    int(msg.TotalChunks),
		fecEnabled:     fecEnabled,
		k:              k,
		r:              r,
		numDataChunks:  numDataChunks,
		outputPath:     outputPath,
		receivedChunks: make(map[uint32]struct{}),
		dataChunks:     make(map[uint32][]byte),
		parityChunks:   make(map[uint32][][]byte),
	}, nil
}

// inferBlockAndDataCount searches for the FEC block count B such that
// total_chunks = num_data_chunks + r*B and k*(B-1) < num_data_chunks <= k*B,
// mirroring the original implementation's search over all plausible B.
func inferBlockAndDataCount(totalChunks, k, r int) (blocks int, dataCount int, ok bool) {
	for b := 1; b <= totalChunks; b++ {
		numData := totalChunks - r*b
		if numData <= 0 {
			continue
		}
		if k*(b-1) < numData && numData <= k*b {
			return b, numData, true
		}
	}
	return 0, 0, false
}

func (e *Engine) tryFECReconstruct(ctx context.Context, st *receiveState, blockID uint32) {
	if !st.fecEnabled || st.k <= 0 || st.r <= 0 {
		return
	}
	parity, haveParity := st.parityChunks[blockID]
	if !haveParity || len(parity) == 0 {
		return
	}

	lo, hi := fec.BlockBounds(blockID, st.k, st.numDataChunks)
	members := make([][]byte, 0, hi-lo+1)
	var missingID uint32
	missingCount := 0
	for cid := lo; cid < hi; cid++ {
		if payload, ok := st.dataChunks[uint32(cid)]; ok {
			members = append(members, payload)
		} else {
			members = append(members, nil)
			missingID = uint32(cid)
			missingCount++
		}
	}
	members = append(members, parity[0])
	if missingCount != 1 {
		return
	}

	recovered, ok := fec.Reconstruct(members, len(members))
	if !ok {
		return
	}

	st.dataChunks[missingID] = recovered
	st.receivedChunks[missingID] = struct{}{}

	checksum := crc32.ChecksumIEEE(recovered)
	if err := e.store.SaveChunksBulk(ctx, []model.Chunk{{
		BundleID: st.bundleID,
		ChunkID:  missingID,
		BlockID:  blockID,
		K:        st.k,
		R:        st.r,
		Payload:  recovered,
		Checksum: checksum,
	}}); err != nil {
		e.log.Error(err, "failed to persist FEC-reconstructed chunk")
		e.metrics.RecordFECReconstruction(false)
		return
	}

	e.metrics.RecordFECReconstruction(true)
	e.log.FECReconstructed(st.bundleID, missingID, blockID)
}

func (e *Engine) sendSACK(st *receiveState, senderAddr *net.UDPAddr) {
	watermark, bitmap := wire.BuildSACK(st.receivedChunks)
	e.sender.Send(wire.SackMsg{BundleID: st.bundleID, RecvWatermark: watermark, Bitmap: bitmap}, senderAddr)
	e.metrics.SACKsSentTotal.Inc()
}

func (e *Engine) maybeDeliver(ctx context.Context, st *receiveState, senderAddr *net.UDPAddr) {
	if st.delivered {
		return
	}

	numData := st.numDataChunks
	if numData == 0 {
		numData = st.totalChunks
	}
	for cid := 0; cid < numData; cid++ {
		if _, ok := st.dataChunks[uint32(cid)]; !ok {
			return
		}
	}

	f, err := os.Create(st.outputPath)
	if err != nil {
		e.log.Error(err, "failed to create output file")
		return
	}
	defer f.Close()
	for cid := 0; cid < numData; cid++ {
		if _, err := f.Write(st.dataChunks[uint32(cid)]); err != nil {
			e.log.Error(err, "failed to write output file")
			return
		}
	}

	if err := e.store.UpdateBundleState(ctx, st.bundleID, model.BundleDelivered); err != nil {
		e.log.Error(err, "failed to persist delivered state")
	}
	st.delivered = true

	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}
	e.metrics.RecordBundleComplete("delivered", 0)
	e.log.TransferCompleted(st.bundleID, size, st.totalChunks, 0, 0)

	e.sender.Send(wire.DeliveredMsg{BundleID: st.bundleID}, senderAddr)
	e.sender.Send(wire.CustodyAckMsg{BundleID: st.bundleID, AckNonce: wire.NewAckNonce(), Ranges: [][2]int64{}}, senderAddr)
}

// OutputDir returns the directory completed bundles are written to.
func (e *Engine) OutputDir() string { return e.outputDir }

// GetStatus reports bundleID's receive progress. ok is false only when
// this engine holds no receive state for it; delivered bundles keep
// their state and still report ok=true.
func (e *Engine) GetStatus(bundleID string) (totalChunks, receivedChunks int, delivered bool, ok bool) {
	e.mu.RLock()
	st, found := e.active[bundleID]
	e.mu.RUnlock()
	if !found {
		return 0, 0, false, false
	}
	return st.totalChunks, len(st.receivedChunks), st.delivered, true
}

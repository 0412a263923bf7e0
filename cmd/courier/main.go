// Command courier is the Courier node CLI: start a receiver, send a
// file to a peer, or query transfer status against a running or
// just-loaded node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/couriernet/courier/internal/config"
	"github.com/couriernet/courier/internal/model"
	"github.com/couriernet/courier/internal/node"
	"github.com/couriernet/courier/internal/observability"
	"github.com/couriernet/courier/internal/store"
)

var (
	port        int
	nodeID      string
	configPath  string
	debug       bool
	metricsAddr string
)

func main() {
	flag.IntVar(&port, "port", 5000, "local port to bind to")
	flag.StringVar(&nodeID, "node-id", "", "node id (default: hostname)")
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics and /healthz on (disabled if empty)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "send":
		err = cmdSend(rest)
	case "recv":
		err = cmdRecv(rest)
	case "status":
		err = cmdStatus(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Courier: Delay/Disruption-Tolerant Reliable File Transfer

Usage:
  courier [global flags] <command> [command flags]

Commands:
  send    send a file to a peer
  recv    start a receiver, listening for incoming transfers
  status  show transfer status

Global flags:`)
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, `
Examples:
  courier --port 5000 --node-id receiver recv
  courier --port 5001 --node-id sender send --to 127.0.0.1:5000 --wait /tmp/payload.bin
  courier --port 5001 status`)
}

func loadConfig() (config.Config, error) {
	cfg, clampedRTO, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if port != 5000 {
		cfg.Node.Port = port
	}
	if nodeID != "" {
		cfg.Node.NodeID = nodeID
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = fmt.Sprintf("courier_%s_%d.db", cfg.Node.NodeID, cfg.Node.Port)
	}
	if metricsAddr != "" {
		cfg.Observability.Addr = metricsAddr
	}
	if clampedRTO {
		fmt.Fprintf(os.Stderr, "warning: max_rto_ms was below base_rto_ms; clamped to %dms\n", cfg.Transfer.MaxRTOMs)
	}
	return cfg, nil
}

func startNode(cfg config.Config, outputDir string) (*node.Node, error) {
	log := observability.NewLogger(cfg.Node.NodeID, debug, nil)
	metrics := observability.NewMetrics()

	observability.InitTracing(context.Background(), cfg.Node.NodeID)

	n, err := node.New(cfg, outputDir, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	if err := n.Start(context.Background()); err != nil {
		n.Stop()
		return nil, fmt.Errorf("start node: %w", err)
	}
	return n, nil
}

func cmdSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	to := fs.String("to", "", "destination (format: host or host:port)")
	dstPort := fs.Int("dst-port", 5000, "destination port, used when --to has no port")
	fecEnabled := fs.Bool("fec", false, "enable forward error correction")
	wait := fs.Bool("wait", false, "wait for transfer completion")
	timeoutSec := fs.Float64("timeout", 300.0, "completion timeout in seconds (0 = wait indefinitely)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" {
		return fmt.Errorf("--to is required")
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: courier send --to <dest> <file>")
	}
	filePath := fs.Arg(0)

	if _, err := os.Stat(filePath); err != nil {
		return fmt.Errorf("file %q not found", filePath)
	}

	destNode, destHost, destPort, err := parseDestination(*to, *dstPort)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := startNode(cfg, ".")
	if err != nil {
		return err
	}
	defer n.Stop()

	fmt.Printf("Sending %s to %s at %s:%d\n", filePath, destNode, destHost, destPort)

	ctx := context.Background()
	bundleID, err := n.SendFile(ctx, filePath, destNode, destHost, destPort, *fecEnabled)
	if err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	fmt.Printf("Bundle ID: %s\n", bundleID)

	if !*wait {
		return nil
	}
	fmt.Println("Waiting for completion...")
	timeout := time.Duration(*timeoutSec * float64(time.Second))
	completed := n.WaitForCompletion(ctx, bundleID, timeout)
	if !completed {
		return fmt.Errorf("transfer did not complete within timeout")
	}

	fmt.Println("Transfer completed successfully!")
	if status, ok := n.GetSendStatus(ctx, bundleID); ok {
		fmt.Printf("Bytes sent: %s\n", humanize.Bytes(uint64(status.BytesSent)))
		fmt.Printf("Chunks retransmitted: %d\n", status.ChunksRetransmitted)
	}
	return nil
}

func cmdRecv(args []string) error {
	fs := flag.NewFlagSet("recv", flag.ExitOnError)
	outputDir := fs.String("output-dir", ".", "directory to write received bundles to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := startNode(cfg, *outputDir)
	if err != nil {
		return err
	}
	defer n.Stop()

	fmt.Printf("Courier receiver started on port %d\n", cfg.Node.Port)
	fmt.Printf("Node ID: %s\n", cfg.Node.NodeID)
	fmt.Println("Listening for incoming transfers... (Press Ctrl+C to stop)")

	select {}
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	bundleID := fs.String("bundle-id", "", "show status for a specific bundle")
	asJSON := fs.Bool("json", false, "with --bundle-id, also print that bundle's status as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// status reads durable state only: it must not bind the node's UDP
	// port, since a receiver or sender may already be running on it.
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if *bundleID != "" {
		status, ok := bundleStatusFromStore(ctx, st, *bundleID)
		if !ok {
			return fmt.Errorf("bundle %s not found", *bundleID)
		}
		printBundleStatus(*bundleID, status)
		if *asJSON {
			printStatusJSON(status)
		}
		return nil
	}

	bundles, err := st.ListBundles(ctx)
	if err != nil {
		return fmt.Errorf("list bundles: %w", err)
	}
	if len(bundles) == 0 {
		fmt.Println("No bundles found")
		return nil
	}
	fmt.Printf("Found %d bundle(s):\n\n", len(bundles))
	for _, b := range bundles {
		progress := 0.0
		if b.State == model.BundleDelivered {
			progress = 1.0
		}
		fmt.Printf("Bundle ID: %s...\n", shortID(b.BundleID))
		fmt.Printf("  File: %s\n", b.FilePath)
		fmt.Printf("  Destination: %s\n", b.Dst)
		fmt.Printf("  State: %s\n", b.State)
		fmt.Printf("  Progress: %.1f%%\n", progress*100)
		fmt.Printf("  Size: %s\n", humanize.Bytes(uint64(b.FileSize)))
		fmt.Printf("  Created: %s\n\n", b.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// bundleStatusFromStore builds a BundleStatus from durable state only,
// for a CLI invocation that isn't the live node process and so has no
// in-memory send-engine state to merge in.
func bundleStatusFromStore(ctx context.Context, st store.Store, bundleID string) (node.BundleStatus, bool) {
	bundle, ok, err := st.LoadBundle(ctx, bundleID)
	if err != nil || !ok {
		return node.BundleStatus{}, false
	}

	status := node.BundleStatus{
		BundleID:            bundleID,
		Src:                 bundle.Src,
		Dst:                 bundle.Dst,
		FilePath:            bundle.FilePath,
		FileSize:            bundle.FileSize,
		State:               bundle.State,
		FECEnabled:          bundle.FECEnabled,
		TotalChunks:         bundle.TotalChunks,
		BytesSent:           bundle.BytesSent,
		ChunksRetransmitted: bundle.ChunksRetransmitted,
		Completed:           bundle.State == model.BundleDelivered,
	}
	if status.Completed {
		status.Progress = 1.0
	}
	return status, true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printBundleStatus(bundleID string, status node.BundleStatus) {
	fmt.Printf("Bundle ID: %s\n", bundleID)
	fmt.Printf("Source: %s\n", status.Src)
	fmt.Printf("Destination: %s\n", status.Dst)
	fmt.Printf("File: %s\n", status.FilePath)
	fmt.Printf("File Size: %s\n", humanize.Bytes(uint64(status.FileSize)))
	fmt.Printf("State: %s\n", status.State)
	fmt.Printf("FEC Enabled: %v\n", status.FECEnabled)
	fmt.Printf("Total Chunks: %d\n", status.TotalChunks)
	fmt.Printf("Acknowledged: %d\n", status.AckedChunks)
	fmt.Printf("Progress: %.1f%%\n", status.Progress*100)
	fmt.Printf("Bytes Sent: %s\n", humanize.Bytes(uint64(status.BytesSent)))
	fmt.Printf("Chunks Retransmitted: %d\n", status.ChunksRetransmitted)
	fmt.Printf("Completed: %v\n", status.Completed)
	if !status.Completed {
		fmt.Printf("Window: [%d, %d)\n", status.WindowStart, status.WindowEnd)
		fmt.Printf("RTT: %.1f ms\n", status.SmoothedRTTMs)
		fmt.Printf("Timeout: %.1f ms\n", status.TimeoutIntervalMs)
	}
}

func printStatusJSON(status node.BundleStatus) {
	fmt.Println("\nJSON:")
	fmt.Printf(`{
  "bundle_id": %q,
  "src": %q,
  "dst": %q,
  "state": %q,
  "progress": %.4f,
  "bytes_sent": %d,
  "chunks_retransmitted": %d,
  "completed": %v
}
`, status.BundleID, status.Src, status.Dst, status.State, status.Progress, status.BytesSent, status.ChunksRetransmitted, status.Completed)
}

// parseDestination splits a "--to" value of the form "node_id" or
// "node_id:port" into the logical destination name, a resolvable host,
// and a port, matching the original CLI's destination format.
func parseDestination(to string, defaultPort int) (destNode, destHost string, destPort int, err error) {
	parts := strings.Split(to, ":")
	switch len(parts) {
	case 1:
		return parts[0], parts[0], defaultPort, nil
	case 2:
		p, err := strconv.Atoi(parts[1])
		if err != nil {
			return "", "", 0, fmt.Errorf("invalid destination port %q: %w", parts[1], err)
		}
		return parts[0], parts[0], p, nil
	default:
		return "", "", 0, fmt.Errorf("invalid destination format %q: use 'node_id' or 'node_id:port'", to)
	}
}

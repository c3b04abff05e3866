// Package ingest is the single cobra command this module ships: it wires
// the UDP receiver, frame assembler, chunked container writer, and
// control-plane adapter into the three single-owner threads spec.md's
// concurrency model calls for — ingest, writer, control — connected by
// bounded channels.
package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ingest/internal/assembler"
	"ingest/internal/bufpool"
	"ingest/internal/clock"
	"ingest/internal/config"
	"ingest/internal/container"
	"ingest/internal/controlplane"
	"ingest/internal/dataset"
	"ingest/internal/ingestio"
	"ingest/internal/metrics"
	"ingest/internal/sensor"
	"ingest/internal/utils"
)

var (
	nodeName     string
	maxBufferMem int
	sensorType   string
	rxPort       int
	rxAddress    string
	rcvBufBytes  int
	ctrlAddr     string
	metricsAddr  string
	frameDataset string
	timeoutMs    int
	tickMs       int
	debugMode    bool
)

// Cmd is the ingest command, the only one this binary exposes.
var Cmd = &cobra.Command{
	Use:   "ingest",
	Short: "Reassemble detector UDP frames and persist them to a chunked container file",
	Run:   run,
}

func init() {
	Cmd.Flags().StringVar(&nodeName, "node", "", "identifier for this ingest node, used only in log output")
	Cmd.Flags().IntVar(&maxBufferMem, "max-buffer-mem", 1<<20, "byte budget for the frame buffer pool")
	Cmd.Flags().StringVar(&sensorType, "sensor-type", "", fmt.Sprintf("sensor capability profile (%s)", strings.Join(sensor.Names(), "|")))
	Cmd.Flags().IntVar(&rxPort, "rx-port", 8989, "UDP port to receive detector frames on")
	Cmd.Flags().StringVar(&rxAddress, "rx-address", "0.0.0.0", "UDP address to receive detector frames on")
	Cmd.Flags().IntVar(&rcvBufBytes, "rcv-buf", 64<<20, "requested kernel UDP receive buffer size, in bytes")
	Cmd.Flags().StringVar(&ctrlAddr, "ctrl-addr", ":6000", "TCP control-plane listen address")
	Cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "Prometheus metrics listen address")
	Cmd.Flags().StringVar(&frameDataset, "frame-dataset", "frame", "dataset name a completed frame's bytes are written into")
	Cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 1000, "milliseconds an incomplete frame is held before it is timed out")
	Cmd.Flags().IntVar(&tickMs, "tick-ms", 100, "milliseconds between timeout sweeps during a quiet socket")
	Cmd.Flags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

func run(cmd *cobra.Command, args []string) {
	config.DebugEnabled = debugMode
	log.SetOutput(os.Stderr)

	profile, err := sensor.Lookup(sensorType)
	if err != nil {
		log.Fatalf("[INGEST] %v", err)
	}

	bufSize := assembler.BufferSize(profile)
	bufCount := utils.Max(maxBufferMem/bufSize, 2)
	pool := bufpool.New(bufCount, bufSize)
	log.Printf("[INGEST] node=%q sensor=%q buffers=%d (%d bytes each)", nodeName, profile.Name, bufCount, bufSize)

	met := metrics.New()
	metrics.StartPrometheus(metricsAddr, met)

	registry := dataset.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eg, egCtx := errgroup.WithContext(ctx)

	framesCh := make(chan readyEvent, bufCount)
	releases := make(chan bufpool.ID, bufCount)
	cmds := make(chan writerCmd)

	hooks := &channelHooks{cmds: cmds}
	adapter := controlplane.New(registry, hooks)
	hooks.adapter = adapter
	ctrlSrv, err := controlplane.Listen(ctrlAddr, adapter, log.New(os.Stderr, "[CTRL] ", log.LstdFlags), met)
	if err != nil {
		log.Fatalf("[INGEST] control listen: %v", err)
	}

	eg.Go(func() error {
		runWriterThread(egCtx, pool, registry, framesCh, releases, frameDataset, met, profile, bufSize, cmds, ctrlSrv)
		return nil
	})

	eg.Go(func() error {
		if err := ctrlSrv.Serve(egCtx); err != nil {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})

	sigChan := utils.SetupGracefulShutdown()
	eg.Go(func() error {
		select {
		case <-sigChan:
			log.Println("[INGEST] received shutdown signal")
			cancel()
		case <-egCtx.Done():
		}
		return nil
	})

	assemblerLog := &dropCountingLogger{base: log.New(os.Stderr, "[ASM] ", log.LstdFlags), met: met}
	ready := func(id bufpool.ID, frameNumber uint32, state assembler.FrameState) {
		met.SetBufferFree(pool.NumFree())
		framesCh <- readyEvent{id: id, frameNumber: frameNumber, state: state}
	}
	asm := assembler.New(
		assembler.Config{Profile: profile, Timeout: time.Duration(timeoutMs) * time.Millisecond},
		pool, clock.New(), assemblerLog, ready,
	)

	udpAddr := fmt.Sprintf("%s:%d", rxAddress, rxPort)
	conn, err := ingestio.Listen(udpAddr, rcvBufBytes, log.New(os.Stderr, "[RX] ", log.LstdFlags))
	if err != nil {
		log.Fatalf("[INGEST] %v", err)
	}
	defer conn.Close()

	eg.Go(func() error {
		<-egCtx.Done()
		conn.Close()
		return nil
	})

	recv := ingestio.New(conn, pool, asm, clock.New(), log.New(os.Stderr, "[RX] ", log.LstdFlags), met)
	log.Printf("[INGEST] receiving on %s", udpAddr)
	if err := recv.Run(egCtx, time.Duration(tickMs)*time.Millisecond, releases); err != nil {
		log.Printf("[INGEST] receive loop: %v", err)
	}

	asm.Shutdown()
	close(framesCh)
	cancel()
	if err := eg.Wait(); err != nil {
		log.Printf("[INGEST] %v", err)
	}
	log.Println("[INGEST] shut down")
}

// readyEvent crosses from the ingest thread to the writer thread over
// framesCh.
type readyEvent struct {
	id          bufpool.ID
	frameNumber uint32
	state       assembler.FrameState
}

// writerCmd crosses from the control thread to the writer thread, asking
// it to open or close the container file. The writer thread is the sole
// owner of the *container.Writer and dataset.OffsetMapper it creates, so
// no locking is needed around them; the control thread only ever talks
// to the writer thread through this channel and blocks on done.
type writerCmd struct {
	start     bool
	path      string
	rankCount int
	rank      int
	done      chan error
}

// channelHooks implements controlplane.Hooks by posting writerCmds and
// waiting for the writer thread's acknowledgement. adapter is set once,
// right after controlplane.New returns, so StartWriting can read the
// run's current rank configuration without this package depending on
// controlplane internals beyond its exported Adapter type.
type channelHooks struct {
	cmds    chan<- writerCmd
	adapter *controlplane.Adapter
}

func (h *channelHooks) StartWriting(path string) error {
	rankCount, rank := h.adapter.OffsetMapperConfig()
	done := make(chan error, 1)
	h.cmds <- writerCmd{start: true, path: path, rankCount: rankCount, rank: rank, done: done}
	return <-done
}

func (h *channelHooks) StopWriting() error {
	done := make(chan error, 1)
	h.cmds <- writerCmd{start: false, done: done}
	return <-done
}

// runWriterThread owns the container writer and offset mapper for as
// long as a run is in progress. It drains framesCh, writing completions
// and counting timeouts, and always hands the buffer back over releases
// once it is done with it, whether or not the frame was written.
func runWriterThread(
	ctx context.Context,
	pool *bufpool.Pool,
	registry *dataset.Registry,
	framesCh <-chan readyEvent,
	releases chan<- bufpool.ID,
	datasetName string,
	met *metrics.Metrics,
	profile sensor.Profile,
	frameBytes int,
	cmds <-chan writerCmd,
	ctrlSrv *controlplane.Server,
) {
	var cw *container.Writer
	var offsets *dataset.OffsetMapper

	closeWriter := func() error {
		if cw == nil {
			return nil
		}
		err := cw.Close()
		cw = nil
		offsets = nil
		return err
	}
	defer closeWriter()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd, ok := <-cmds:
			if !ok {
				return
			}
			if cmd.start {
				w, err := container.Create(cmd.path, registry, true)
				if err == nil {
					cw = w
					offsets = dataset.NewOffsetMapper(cmd.rankCount, cmd.rank)
				}
				cmd.done <- err
			} else {
				cmd.done <- closeWriter()
			}

		case ev, ok := <-framesCh:
			if !ok {
				return
			}
			wrote := handleReadyEvent(pool, cw, offsets, ev, datasetName, met, profile, frameBytes)
			if wrote && ctrlSrv.CheckAutoStop() {
				if err := closeWriter(); err != nil {
					log.Printf("[WRITER] auto-stop close: %v", err)
				}
			}
			select {
			case releases <- ev.id:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleReadyEvent writes one completed frame's bytes, if the writer is
// currently open, and reports whether it actually wrote one. Profiles
// with more than one subframe go through WriteSubframes, which writes the
// buffer as NumSubframes equal contiguous pieces and counts the frame
// once; a single-subframe profile writes its whole chunk in one call.
func handleReadyEvent(
	pool *bufpool.Pool,
	cw *container.Writer,
	offsets *dataset.OffsetMapper,
	ev readyEvent,
	datasetName string,
	met *metrics.Metrics,
	profile sensor.Profile,
	frameBytes int,
) bool {
	switch ev.state {
	case assembler.TimedOut:
		met.FrameTimedOut()
		return false
	case assembler.Complete:
		met.FrameCompleted()
	}

	if cw == nil {
		return false
	}
	outerIndex, err := offsets.Map(ev.frameNumber)
	if err != nil {
		log.Printf("[WRITER] frame %d: %v", ev.frameNumber, err)
		return false
	}

	data := pool.Address(ev.id)[:frameBytes]
	var writeErr error
	if profile.NumSubframes > 1 {
		writeErr = cw.WriteSubframes(datasetName, outerIndex, profile.NumSubframes, int64(profile.SubframeWidth), data)
	} else {
		writeErr = cw.WriteChunk(datasetName, outerIndex, data)
	}
	if writeErr != nil {
		log.Printf("[WRITER] write frame %d: %v", ev.frameNumber, writeErr)
		return false
	}
	met.FrameWritten()
	return true
}

// dropCountingLogger wraps a *log.Logger so the assembler's one
// edge-triggered "buffer exhausted" message also advances the
// frames-dropped metric, without widening the assembler's own interface
// beyond the plain Printf it needs.
type dropCountingLogger struct {
	base *log.Logger
	met  *metrics.Metrics
}

func (l *dropCountingLogger) Printf(format string, v ...any) {
	l.base.Printf(format, v...)
	if strings.Contains(format, "buffer exhausted") {
		l.met.FrameDropped()
	}
}

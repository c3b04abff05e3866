// Package assembler implements the frame reassembly state machine: the
// heart of the ingest pipeline. It maps incoming packets to pooled frame
// buffers, tracks arrivals in a per-frame bitmap, and emits completed or
// timed-out frames to a single registered consumer.
//
// The assembler never blocks and is single-owner: it is driven exclusively
// by the ingest thread, which also applies buffer releases that cross back
// from the writer thread. No locking is required here; see package
// bufpool for the same invariant on the free list.
package assembler

import (
	"time"

	"ingest/internal/bufpool"
	"ingest/internal/clock"
	"ingest/internal/sensor"
	"ingest/internal/wire"
)

// FrameState mirrors the frame header's frame_state field.
type FrameState int

const (
	Incomplete FrameState = iota
	Complete
	TimedOut
)

func (s FrameState) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// frameHeaderSize is the size, in bytes, of the frame header prefix
// carried at the front of each buffer per spec.md's data model. Header
// bookkeeping is kept in a parallel Go struct rather than packed into the
// byte buffer (packet_state is a typed bitmap, not manually laid out
// bytes), so the prefix contributes zero bytes to the buffer's payload
// offset arithmetic; the constant is kept named, rather than inlined as
// 0, so the offset formula below reads the same as spec.md §4.D.
const frameHeaderSize = 0

// frameHeader is the bookkeeping the C++ original keeps as a cast struct
// at the front of the buffer; here it lives alongside the buffer instead.
type frameHeader struct {
	frameNumber     uint32
	state           FrameState
	packetsReceived int
	packetState     []bool // flattened [type][subframe][packet]
	startTime       time.Time
}

// PayloadTarget is where the ingest loop should receive the next packet's
// payload: capacity bytes starting at offset within buf.
type PayloadTarget struct {
	Buf      []byte
	Offset   int
	Capacity int
}

// Slice returns the destination region described by the target.
func (t PayloadTarget) Slice() []byte {
	return t.Buf[t.Offset : t.Offset+t.Capacity]
}

// ReadyFunc is the single consumer of completed or timed-out frames.
type ReadyFunc func(id bufpool.ID, frameNumber uint32, state FrameState)

// Logger is satisfied by *log.Logger; it exists so tests can capture the
// one log line the buffer-exhaustion edge emits on the dropping
// transition, per spec.md §4.D.
type Logger interface {
	Printf(format string, v ...any)
}

// BufferSize returns the byte size one frame buffer must have to hold a
// full frame of the given profile, including the (zero-length) header
// prefix.
func BufferSize(p sensor.Profile) int {
	return frameHeaderSize + p.NumTypes*p.NumSubframes*p.TotalSubframeBytes()
}

// Config bundles the knobs the assembler needs beyond the pool and clock.
type Config struct {
	Profile sensor.Profile
	Timeout time.Duration
}

// Assembler is the frame reassembly state machine.
type Assembler struct {
	cfg   Config
	pool  *bufpool.Pool
	clk   clock.Clock
	log   Logger
	ready ReadyFunc

	frameBuf map[uint32]bufpool.ID
	headers  map[uint32]*frameHeader

	dropBuf    []byte
	dropHeader *frameHeader
	dropping   bool

	hasCurrent          bool
	currentFrameSeen    uint32
	currentHeader       *frameHeader
	currentBufferID     bufpool.ID
	currentBufferIsDrop bool
}

// New builds an assembler over pool, using cfg.Profile's packet geometry
// and cfg.Timeout as T_ms. ready is called exactly once per released
// frame (complete or timed out); log receives the single edge-triggered
// "now dropping" / "buffer available again" messages.
func New(cfg Config, pool *bufpool.Pool, clk clock.Clock, log Logger, ready ReadyFunc) *Assembler {
	return &Assembler{
		cfg:        cfg,
		pool:       pool,
		clk:        clk,
		log:        log,
		ready:      ready,
		frameBuf:   make(map[uint32]bufpool.ID),
		headers:    make(map[uint32]*frameHeader),
		dropBuf:    make([]byte, BufferSize(cfg.Profile)),
		dropHeader: &frameHeader{},
	}
}

func (a *Assembler) resetHeader(h *frameHeader, frameNumber uint32, now time.Time) {
	h.frameNumber = frameNumber
	h.state = Incomplete
	h.packetsReceived = 0
	n := a.cfg.Profile.TotalFramePackets()
	if cap(h.packetState) < n {
		h.packetState = make([]bool, n)
	} else {
		h.packetState = h.packetState[:n]
		for i := range h.packetState {
			h.packetState[i] = false
		}
	}
	h.startTime = now
}

// OnHeader selects where the next payload should be written, applying the
// sample/reset frame-number workaround (spec.md §4.D step 1) and the
// new-frame/rebind/drop bookkeeping of step 2.
func (a *Assembler) OnHeader(hdr wire.Header) (PayloadTarget, error) {
	frameNumber := hdr.FrameNumber
	if hdr.Type == wire.PacketTypeSample {
		// Workaround: the sensor firmware increments the frame number
		// between the reset and sample subframes of one logical frame.
		frameNumber++
	}

	if !a.hasCurrent || frameNumber != a.currentFrameSeen {
		now := a.clk.Now()
		if id, ok := a.frameBuf[frameNumber]; ok {
			a.currentBufferID = id
			a.currentBufferIsDrop = false
			a.currentHeader = a.headers[frameNumber]
		} else if id := a.pool.Acquire(); id != bufpool.None {
			if a.dropping {
				a.dropping = false
				a.log.Printf("assembler: buffer available again, resuming frame %d", frameNumber)
			}
			a.frameBuf[frameNumber] = id
			h := &frameHeader{}
			a.resetHeader(h, frameNumber, now)
			a.headers[frameNumber] = h
			a.currentHeader = h
			a.currentBufferID = id
			a.currentBufferIsDrop = false
		} else {
			if !a.dropping {
				a.dropping = true
				a.log.Printf("assembler: buffer exhausted, dropping frame %d", frameNumber)
			}
			a.resetHeader(a.dropHeader, frameNumber, now)
			a.currentHeader = a.dropHeader
			a.currentBufferIsDrop = true
		}
		a.currentFrameSeen = frameNumber
		a.hasCurrent = true
	}

	typ, sub, pkt := int(hdr.Type), int(hdr.SubframeNumber), int(hdr.PacketNumber)
	profile := a.cfg.Profile
	if typ >= profile.NumTypes || sub >= profile.NumSubframes || pkt >= profile.NumFramePackets() {
		return PayloadTarget{}, &OutOfRangeError{Type: typ, Subframe: sub, Packet: pkt}
	}

	slotIdx := typ*profile.NumSubframes*profile.NumFramePackets() + sub*profile.NumFramePackets() + pkt
	a.currentHeader.packetState[slotIdx] = true

	offset := frameHeaderSize +
		typ*profile.NumSubframes*profile.TotalSubframeBytes() +
		sub*profile.TotalSubframeBytes() +
		pkt*profile.PrimaryPacketSize

	buf := a.dropBuf
	if !a.currentBufferIsDrop {
		buf = a.pool.Address(a.currentBufferID)
	}
	return PayloadTarget{
		Buf:      buf,
		Offset:   offset,
		Capacity: profile.PayloadSizeFor(hdr.PacketNumber),
	}, nil
}

// OnPayload records one packet's arrival and, once the frame's packet
// count reaches the profile's TotalFramePackets (every packet of every
// type and subframe slot), emits the completion (unless the current
// buffer is the shared drop sink, which never completes outward).
func (a *Assembler) OnPayload(bytesReceived int) FrameState {
	h := a.currentHeader
	h.packetsReceived++
	if h.packetsReceived != a.cfg.Profile.TotalFramePackets() {
		return Incomplete
	}

	h.state = Complete
	if a.currentBufferIsDrop {
		return Complete
	}

	delete(a.frameBuf, a.currentFrameSeen)
	delete(a.headers, a.currentFrameSeen)
	id := a.currentBufferID
	frameNumber := a.currentFrameSeen
	a.hasCurrent = false // next identical frame number is treated as new
	a.ready(id, frameNumber, Complete)
	return Complete
}

// Tick evicts every in-flight frame whose start time is older than
// now-T_ms, releasing it as timed out. Deleting from a Go map while
// ranging over it is well defined, so no iterator-invalidation bookkeeping
// is needed here (unlike the C++ this is grounded on).
func (a *Assembler) Tick(now time.Time) {
	for frameNumber, id := range a.frameBuf {
		h := a.headers[frameNumber]
		if now.Sub(h.startTime) <= a.cfg.Timeout {
			continue
		}
		h.state = TimedOut
		delete(a.frameBuf, frameNumber)
		delete(a.headers, frameNumber)
		a.ready(id, frameNumber, TimedOut)
	}
}

// Shutdown releases every in-flight frame as timed out, regardless of
// age, for use during graceful shutdown (spec.md §5).
func (a *Assembler) Shutdown() {
	for frameNumber, id := range a.frameBuf {
		delete(a.frameBuf, frameNumber)
		delete(a.headers, frameNumber)
		a.ready(id, frameNumber, TimedOut)
	}
}

// NumInFlight reports the number of frames currently bound to a real
// buffer (not the drop sink).
func (a *Assembler) NumInFlight() int {
	return len(a.frameBuf)
}

// Dropping reports whether the most recently observed frame lacked a free
// buffer and was sunk into the drop buffer.
func (a *Assembler) Dropping() bool {
	return a.dropping
}

// OutOfRangeError is returned by OnHeader for a packet whose type,
// subframe, or packet number falls outside the configured sensor
// profile's geometry. It is not one of spec.md §7's named error kinds;
// the ingest loop treats it the same as a short header: drop, count,
// continue.
type OutOfRangeError struct {
	Type, Subframe, Packet int
}

func (e *OutOfRangeError) Error() string {
	return "assembler: packet out of range"
}

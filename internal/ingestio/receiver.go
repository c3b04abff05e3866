// Package ingestio owns the single UDP socket the ingest thread reads
// from. It decodes each datagram's header, asks the frame assembler
// where the payload belongs, and copies it there — the only per-packet
// copy this pipeline makes, since the assembler hands back a region of a
// buffer the pool already owns rather than allocating one.
package ingestio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"ingest/internal/assembler"
	"ingest/internal/bufpool"
	"ingest/internal/clock"
	"ingest/internal/wire"
)

// maxDatagramSize bounds the staging buffer at the largest UDP payload a
// socket can ever deliver in one read.
const maxDatagramSize = 64 * 1024

// Metrics is the subset of internal/metrics this package drives.
type Metrics interface {
	RxPacket()
	ShortHeader()
	PacketRejected()
	PayloadSizeMismatch()
}

// Listen opens a UDP socket at addr and requests rcvBufBytes of kernel
// receive buffer, both through the portable SetReadBuffer call and, for
// parity with how the teacher's sender tunes UDP_SEGMENT, directly via
// SO_RCVBUF so a short-lived burst of frames doesn't overrun the kernel
// queue before the ingest thread drains it.
func Listen(addr string, rcvBufBytes int, logger *log.Logger) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ingestio: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("ingestio: listen %s: %w", addr, err)
	}

	if err := conn.SetReadBuffer(rcvBufBytes); err != nil {
		logger.Printf("ingestio: SetReadBuffer(%d): %v", rcvBufBytes, err)
	}
	if file, err := conn.File(); err == nil {
		fd := int(file.Fd())
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufBytes); err != nil {
			logger.Printf("ingestio: SO_RCVBUF(%d): %v", rcvBufBytes, err)
		}
		file.Close()
	}
	return conn, nil
}

// Receiver drives the ingest thread's read loop: decode, target, copy,
// repeat, with a read deadline so the frame assembler's timeout sweep
// still runs during a lull in traffic.
type Receiver struct {
	conn *net.UDPConn
	pool *bufpool.Pool
	asm  *assembler.Assembler
	clk  clock.Clock
	log  *log.Logger
	met  Metrics

	buf []byte
}

// New builds a Receiver. pool must be the same pool asm was built over;
// Receiver only ever calls Release on it, never Acquire.
func New(conn *net.UDPConn, pool *bufpool.Pool, asm *assembler.Assembler, clk clock.Clock, logger *log.Logger, met Metrics) *Receiver {
	return &Receiver{
		conn: conn,
		pool: pool,
		asm:  asm,
		clk:  clk,
		log:  logger,
		met:  met,
		buf:  make([]byte, maxDatagramSize),
	}
}

// Run reads datagrams until ctx is cancelled or the socket is closed.
// releases carries buffer ids the writer thread is done with; they are
// applied to the pool between packets, never while a packet is
// mid-flight, so the free list needs no locking. tickInterval bounds how
// long a quiet socket can go without the assembler's timeout sweep
// running.
func (r *Receiver) Run(ctx context.Context, tickInterval time.Duration, releases <-chan bufpool.ID) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		r.drainReleases(releases)
		r.conn.SetReadDeadline(time.Now().Add(tickInterval))

		n, err := r.conn.Read(r.buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				r.asm.Tick(r.clk.Now())
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ingestio: read: %w", err)
		}

		r.met.RxPacket()
		r.handleDatagram(r.buf[:n])
	}
}

func (r *Receiver) handleDatagram(datagram []byte) {
	hdr, err := wire.Decode(datagram)
	if err != nil {
		r.met.ShortHeader()
		r.log.Printf("ingestio: %v (len=%d)", err, len(datagram))
		return
	}

	target, err := r.asm.OnHeader(hdr)
	if err != nil {
		r.met.PacketRejected()
		r.log.Printf("ingestio: %v", err)
		return
	}

	payload := datagram[wire.HeaderSize:]
	if len(payload) != target.Capacity {
		r.met.PayloadSizeMismatch()
		r.log.Printf("ingestio: payload size %d, want %d for type=%s subframe=%d packet=%d",
			len(payload), target.Capacity, hdr.Type, hdr.SubframeNumber, hdr.PacketNumber)
		return
	}

	copy(target.Slice(), payload)
	r.asm.OnPayload(len(payload))
}

func (r *Receiver) drainReleases(releases <-chan bufpool.ID) {
	for {
		select {
		case id := <-releases:
			if err := r.pool.Release(id); err != nil {
				r.log.Printf("ingestio: release %v: %v", id, err)
			}
		default:
			return
		}
	}
}

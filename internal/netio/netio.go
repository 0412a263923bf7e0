// Package netio is the thin UDP datagram layer Courier's engines send
// and receive wire messages through. It owns the socket and the
// receive goroutine; everything above it only ever sees decoded
// wire.Message values.
package netio

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/couriernet/courier/internal/wire"
)

const (
	maxDatagramBytes = wire.MaxDatagramSize
	socketBufferSize = 4 * 1024 * 1024
	recvTimeout      = 100 * time.Millisecond
)

// Handler processes one decoded inbound message from sender.
type Handler func(msg wire.Message, sender *net.UDPAddr)

// IO binds a single UDP socket and dispatches every datagram it
// receives to a Handler on its own goroutine.
type IO struct {
	conn    *net.UDPConn
	handler Handler
	log     zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// Open binds a UDP socket on 0.0.0.0:port, sized per the teacher's
// 4MiB send/receive buffers, and returns an IO ready to Start.
func Open(port int, handler Handler, log zerolog.Logger) (*IO, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen on port %d: %w", port, err)
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		log.Warn().Err(err).Msg("netio: could not set read buffer size")
	}
	if err := conn.SetWriteBuffer(socketBufferSize); err != nil {
		log.Warn().Err(err).Msg("netio: could not set write buffer size")
	}

	return &IO{
		conn:    conn,
		handler: handler,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// LocalAddr returns the socket's bound local address, useful for
// binding to port 0 and discovering the assigned port afterward.
func (io *IO) LocalAddr() *net.UDPAddr {
	return io.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the receive loop on its own goroutine.
func (io *IO) Start() {
	go io.receiveLoop()
	io.log.Info().Str("local_addr", io.conn.LocalAddr().String()).Msg("netio started")
}

// Stop halts the receive loop and closes the socket, blocking until the
// receive goroutine has exited.
func (io *IO) Stop() {
	close(io.stop)
	io.conn.Close()
	<-io.done
	io.log.Info().Msg("netio stopped")
}

func (io *IO) receiveLoop() {
	defer close(io.done)
	buf := make([]byte, maxDatagramBytes)
	for {
		select {
		case <-io.stop:
			return
		default:
		}

		io.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, addr, err := io.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-io.stop:
				return
			default:
				io.log.Error().Err(err).Msg("netio: receive error")
				continue
			}
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			io.log.Warn().Err(err).Str("from", addr.String()).Msg("netio: failed to decode datagram")
			continue
		}
		io.handler(msg, addr)
	}
}

// Send encodes and sends msg to dest, returning false (and logging) on
// any encode or transmission failure, matching the teacher's
// send_message contract of a boolean "did it go out" result rather than
// a propagated error.
func (io *IO) Send(msg wire.Message, dest *net.UDPAddr) bool {
	data, err := wire.Encode(msg)
	if err != nil {
		io.log.Error().Err(err).Msg("netio: failed to encode message")
		return false
	}
	n, err := io.conn.WriteToUDP(data, dest)
	if err != nil {
		io.log.Error().Err(err).Str("to", dest.String()).Msg("netio: failed to send message")
		return false
	}
	io.log.Debug().Int("bytes", n).Str("to", dest.String()).Msg("netio: sent datagram")
	return true
}

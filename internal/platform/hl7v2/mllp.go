// Package hl7v2 implements the wire side of the lab-result feed: MLLP
// framing over TCP, HL7v2 segment parsing, typed clinical event
// extraction, and ACK generation.
package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT / vertical tab).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS / file separator).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	// DefaultMaxMessageSize bounds buffered-but-unterminated data for a
	// single connection (1 MB). Exceeding it is a framing failure.
	DefaultMaxMessageSize = 1 << 20

	// readPollInterval is the read deadline applied per read so the
	// connection loop can notice a shutdown without force-closing an
	// in-flight message.
	readPollInterval = 1 * time.Second

	writeTimeout = 10 * time.Second
)

// FramingError is a connection-fatal protocol violation. The connection
// is closed and the sender is expected to reconnect; the process and
// other connections continue.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("mllp: framing error: %s", e.Reason)
}

// Handler processes one complete inbound frame payload and returns the
// acknowledgment payload to frame and write back on the same
// connection. Returning nil closes the connection without a reply
// (used when processing escalates to a connection-fatal condition).
//
// The server guarantees strict per-connection sequencing: the handler
// for frame N runs, and its acknowledgment is written, before frame
// N+1 is dispatched.
type Handler func(ctx context.Context, raw []byte) []byte

// Server listens for MLLP-framed messages over TCP, one goroutine per
// connection. It has no knowledge of message contents beyond the frame
// markers.
type Server struct {
	addr    string
	handler Handler
	maxSize int
	logger  zerolog.Logger

	// OnFramingError, when set, is called once per connection torn
	// down for a framing violation. Set before Start.
	OnFramingError func()

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates an MLLP server that will listen on addr and pass
// each deframed payload to handler. maxSize bounds unterminated
// buffered data per connection; pass 0 for DefaultMaxMessageSize.
func NewServer(addr string, handler Handler, maxSize int, logger zerolog.Logger) *Server {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Server{
		addr:    addr,
		handler: handler,
		maxSize: maxSize,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins listening. It is non-blocking: the accept loop runs in a
// background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

// Stop shuts the server down. New frames stop being read, the in-flight
// message on each connection is allowed to reach its acknowledgment,
// then connections close. If ctx expires first, remaining connections
// are force-closed.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-finished
	}
	return err
}

// Addr returns the listener address. Useful when started on port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error().Err(err).Msg("mllp accept failed")
			}
			return
		}

		s.trackConn(conn, true)
		s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("mllp connection accepted")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			if err := s.handleConnection(conn); err != nil {
				var ferr *FramingError
				if errors.As(err, &ferr) && s.OnFramingError != nil {
					s.OnFramingError()
				}
				s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("mllp connection closed")
			}
		}()
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection accumulates reads into a buffer, deframes every
// complete message in arrival order, and writes each acknowledgment
// before dispatching the next frame. A non-nil return is the
// connection-fatal cause.
func (s *Server) handleConnection(conn net.Conn) error {
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > s.maxSize {
				return &FramingError{Reason: fmt.Sprintf("unterminated frame exceeds %d bytes", s.maxSize)}
			}

			for {
				payload, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest

				ack := s.handler(context.Background(), payload)
				if ack == nil {
					return &FramingError{Reason: "handler aborted connection"}
				}
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if _, werr := conn.Write(FrameMessage(ack)); werr != nil {
					return fmt.Errorf("write ack: %w", werr)
				}
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// EOF or reset: the sender is done with this connection.
			return nil
		}
	}
}

// FrameMessage wraps a payload in MLLP framing:
//
//	<0x0B> + payload + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts the first complete MLLP frame from data.
// Bytes before the start block are discarded. It returns the payload,
// the remaining bytes after the frame, and whether a complete frame was
// found.
func UnframeMessage(data []byte) (payload []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endSeq := []byte{MLLPEndBlock, MLLPCarriageReturn}
	endIdx := bytes.Index(data[startIdx+1:], endSeq)
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	payload = data[startIdx+1 : endIdx]
	rest = data[endIdx+2:]
	return payload, rest, true
}

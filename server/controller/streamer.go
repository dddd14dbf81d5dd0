package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"fast_server/config"
	"fast_server/networking"
	"fast_server/payload"

	"golang.org/x/time/rate"
)

// State is the position of a connection in its streaming lifecycle
type State int

const (
	ReadingRequest State = iota
	HeadersSent
	Streaming
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case ReadingRequest:
		return "reading-request"
	case HeadersSent:
		return "headers-sent"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result describes how a connection ended
type Result struct {
	State   State
	Request int    // Bytes of the initial request, content discarded
	Sent    uint64 // Payload bytes, framing excluded
	Chunks  uint64 // Data chunks before the terminal chunk
	Cause   error  // Swallowed I/O error behind an Aborted state
}

// Streamer drives one connection from the initial request to stream termination
type Streamer struct {
	budget       *Budget
	buffers      *payload.Pool
	requestSize  int
	readTimeout  time.Duration
	writeTimeout time.Duration
	rateLimit    uint64
}

// NewStreamer builds a streamer sharing budget and buffers across connections
func NewStreamer(budget *Budget, buffers *payload.Pool, cfg *config.Server) *Streamer {
	return &Streamer{
		budget:       budget,
		buffers:      buffers,
		requestSize:  cfg.RequestBuffer,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		rateLimit:    uint64(cfg.RateLimit),
	}
}

// Stream reads the request, sends headers and pushes chunks until the budget is
// exhausted or a write fails. Only a header write failure is returned as an
// error; every other I/O failure ends the stream as Aborted.
func (s *Streamer) Stream(ctx context.Context, conn net.Conn) (Result, error) {
	res := Result{State: ReadingRequest}

	// Cancelling ctx unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if s.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	request := make([]byte, s.requestSize)
	n, err := conn.Read(request)
	res.Request = n
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			// Peer closed without asking for anything.
			res.State = Completed
			return res, nil
		}
		return s.abort(conn, res, err), nil
	}
	if s.readTimeout > 0 {
		conn.SetReadDeadline(time.Time{})
	}

	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	cw, err := networking.NewChunkWriter(conn, len(*buf))
	if err != nil {
		return s.abort(conn, res, err), err
	}

	s.armWrite(conn)
	if err := cw.WriteHeaders(); err != nil {
		res = s.abort(conn, res, err)
		return res, fmt.Errorf("write headers: %w", err)
	}
	res.State = HeadersSent

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.rateLimit), cw.Size())
	}

	limit := s.budget.Limit()
	res.State = Streaming
	// Checked once per chunk, so the total may overshoot by less than one chunk.
	for res.Sent < limit {
		if limiter != nil {
			if err := limiter.WaitN(ctx, cw.Size()); err != nil {
				return s.abort(conn, res, err), nil
			}
		}
		s.armWrite(conn)
		if err := cw.WriteChunk(*buf); err != nil {
			return s.abort(conn, res, err), nil
		}
		res.Sent += uint64(cw.Size())
		res.Chunks++
	}

	s.armWrite(conn)
	if err := cw.Close(); err != nil {
		return s.abort(conn, res, err), nil
	}
	res.State = Completed
	return res, nil
}

// armWrite pushes the write deadline forward when a write timeout is configured
func (s *Streamer) armWrite(conn net.Conn) {
	if s.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
}

func (s *Streamer) abort(conn net.Conn, res Result, cause error) Result {
	conn.Close()
	res.State = Aborted
	res.Cause = cause
	return res
}

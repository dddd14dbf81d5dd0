package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"fast_server/config"
	"fast_server/constants"
	"fast_server/networking"
	"fast_server/payload"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// Server accepts connections and hands each one to its own streamer
type Server struct {
	cfg      *config.Server
	streamer *Streamer
	buffers  *payload.Pool
	log      *logrus.Entry
	stats    Stats
	nextID   atomic.Uint64
	wg       sync.WaitGroup
}

// NewServer validates cfg and prepares the shared budget and payload buffers
func NewServer(cfg *config.Server, logger *logrus.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pattern, err := payload.ParsePattern(cfg.Pattern)
	if err != nil {
		return nil, err
	}
	buffers, err := payload.NewPool(int(cfg.ChunkSize), pattern)
	if err != nil {
		return nil, err
	}
	// Published before any connection can be accepted.
	budget := NewBudget(uint64(cfg.MaxSendBytes))

	return &Server{
		cfg:      cfg,
		streamer: NewStreamer(budget, buffers, cfg),
		buffers:  buffers,
		log:      logger.WithField("component", "listener"),
	}, nil
}

// Stats returns the connection counters so far.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// Listen binds the listening socket. Failure to bind is fatal to startup.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	addr := s.cfg.Address()
	lc := new(net.ListenConfig)
	// Set MPTCP.
	lc.SetMultipathTCP(s.cfg.MPTCP)
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not bind listening socket on %s: %w", addr, err)
	}
	return l, nil
}

// ListenAndServe binds and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is cancelled or l is closed. Each
// connection runs in its own goroutine and is never waited on by the accept
// loop. On return the listener and every live connection have been closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Close the listener when the context ends to unblock Accept.
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	s.logStartup(l.Addr())

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			backoff = nextBackoff(backoff)
			s.log.WithError(err).Warnf("Failed to accept connection, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0
		s.dispatch(ctx, conn)
	}

	l.Close()
	// Cancelling ctx closes every live connection.
	cancel()
	s.wg.Wait()

	st := s.Stats()
	s.log.WithFields(logrus.Fields{
		"accepted":  st.Accepted,
		"completed": st.Completed,
		"aborted":   st.Aborted,
		"failed":    st.Failed,
		"sent":      units.BytesSize(float64(st.BytesSent)),
	}).Info("Listener stopped")
	return nil
}

// dispatch starts a streamer for conn and returns immediately
func (s *Server) dispatch(ctx context.Context, conn net.Conn) {
	id := s.nextID.Add(1)
	s.stats.accepted.Add(1)
	s.stats.active.Add(1)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.stats.active.Add(-1)
		defer conn.Close()

		log := s.log.WithFields(logrus.Fields{
			"conn":   id,
			"remote": conn.RemoteAddr().String(),
		})
		s.tune(conn, log)

		res, err := s.streamer.Stream(ctx, conn)
		s.stats.record(res, err)

		switch {
		case err != nil:
			log.WithError(err).Warn("Connection failed")
		case res.State == Aborted:
			log.WithError(res.Cause).WithField("sent", res.Sent).Debug("Client disconnected")
		case res.Request == 0:
			log.Debug("Client closed before sending a request")
		default:
			log.WithFields(logrus.Fields{
				"sent":   res.Sent,
				"chunks": res.Chunks,
			}).Debug("Stream completed")
		}
	}()
}

// tune applies socket options to an accepted connection
func (s *Server) tune(conn net.Conn, log *logrus.Entry) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Set TCP_NODELAY to always immediately send.
		tcp.SetNoDelay(true)
	}
	if s.cfg.DSCP > 0 {
		if err := networking.SetDSCP(conn, s.cfg.DSCP); err != nil {
			log.WithError(err).Debug("Could not set DSCP")
		}
	}
}

func (s *Server) logStartup(addr net.Addr) {
	fields := logrus.Fields{
		"addr":    addr.String(),
		"budget":  s.cfg.MaxSendBytes.String(),
		"chunk":   s.cfg.ChunkSize.String(),
		"pattern": s.buffers.Pattern(),
	}
	buf := s.buffers.Get()
	if ratio, err := payload.Compressibility(*buf); err == nil {
		fields["lz4_ratio"] = fmt.Sprintf("%.3f", ratio)
	}
	s.buffers.Put(buf)
	s.log.WithFields(fields).Info("Listening")
}

// nextBackoff doubles the accept retry delay within fixed bounds
func nextBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return constants.MIN_ACCEPT_BACKOFF_MS * time.Millisecond
	}
	next := prev * 2
	if ceiling := constants.MAX_ACCEPT_BACKOFF_MS * time.Millisecond; next > ceiling {
		return ceiling
	}
	return next
}

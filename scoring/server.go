package scoring

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"fosgate/api"
	"fosgate/monitoring"
)

const defaultWorkers = 20

type ServerOption func(*Server)

// WithWorkers bounds the number of requests scored at once. Connections are
// not bounded: an idle pooled connection holds no worker.
func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithMetrics(m *monitoring.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server answers scoring frames with a local api.Scorer, one goroutine per
// connection.
type Server struct {
	scorer  api.Scorer
	workers int
	sem     *semaphore.Weighted
	metrics *monitoring.Metrics
	logger  *zap.Logger

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool
	done     chan struct{}
}

func NewServer(scorer api.Scorer, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		scorer:  scorer,
		workers: defaultWorkers,
		metrics: monitoring.NewMetrics(),
		logger:  zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.workers))
	return s
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections until Close. It returns nil after Close and the
// accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		l.Close()
		return nil
	case s.listener != nil:
		s.mu.Unlock()
		return errors.New("scoring server already serving")
	}
	s.listener = l
	s.running.Store(true)
	s.mu.Unlock()
	defer close(s.done)

	s.logger.Info("scoring server listening", zap.Stringer("addr", l.Addr()), zap.Int("workers", s.workers))

	var g errgroup.Group

	var acceptErr error
	var delay time.Duration
	for {
		c, err := l.Accept()
		if err != nil {
			if !s.running.Load() {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = backoff(delay)
				s.logger.Warn("accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}
			acceptErr = err
			break
		}
		delay = 0
		if !s.track(c) {
			c.Close()
			break
		}
		g.Go(func() error {
			s.serveConn(c)
			return nil
		})
	}
	g.Wait()
	return acceptErr
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// serveConn loops decode, score, encode until the peer leaves, a frame cannot
// be decoded, or the server stops. Scoring errors become error frames.
func (s *Server) serveConn(raw net.Conn) {
	c := newConn(raw)
	s.metrics.ConnOpened()
	defer func() {
		c.Close()
		s.untrack(raw)
		s.metrics.ConnClosed()
	}()
	remote := raw.RemoteAddr().String()

	for s.running.Load() {
		req, err := ReadRequest(c.r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("scoring client disconnected", zap.String("remote", remote))
				return
			}
			s.metrics.RecordDecodeFailure()
			s.logger.Warn("dropping scoring connection", zap.String("remote", remote), zap.Error(err))
			return
		}

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		start := time.Now()
		scores, err := api.ScoreModels(s.ctx, s.scorer, req.ModelIDs, req.Scorable)
		s.sem.Release(1)
		s.metrics.RecordRequest(req.ModelIDs, time.Since(start), err)
		if err != nil {
			s.logger.Debug("scoring failed", zap.String("remote", remote), zap.Error(err))
			err = WriteError(c.w, api.KindOf(err), err.Error())
		} else {
			err = WriteResponse(c.w, scores)
		}
		if err == nil {
			err = c.w.Flush()
		}
		if err != nil {
			s.logger.Warn("failed to write scoring response", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Metrics() *monitoring.Metrics {
	return s.metrics
}

// Close stops accepting, closes every open connection and waits for the
// workers. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running.Store(false)
	s.cancel()
	var errs error
	if s.listener != nil {
		errs = multierr.Append(errs, s.listener.Close())
	}
	for c := range s.conns {
		c.Close()
	}
	serving := s.listener != nil
	s.mu.Unlock()

	if serving {
		<-s.done
	}
	s.logger.Info("scoring server stopped")
	return errs
}

package scoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fosgate/api"
)

var errScorerClosed = fmt.Errorf("%w: scorer is closed", api.ErrUnsupported)

const defaultDialTimeout = 5 * time.Second

// Option configures a Scorer.
type Option func(*Scorer)

func WithDialTimeout(d time.Duration) Option {
	return func(s *Scorer) { s.dialTimeout = d }
}

// WithRequestTimeout bounds a call that has no context deadline. Zero waits forever.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Scorer) { s.requestTimeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scorer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scorer is an api.Scorer speaking the binary protocol to one server over
// pooled connections. A call holds one connection for its whole duration.
type Scorer struct {
	addr           string
	dialTimeout    time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger
	pool           *connPool
}

var (
	_ api.Scorer          = (*Scorer)(nil)
	_ api.ModelsScorer    = (*Scorer)(nil)
	_ api.InstancesScorer = (*Scorer)(nil)
)

// NewScorer does not connect; connections are opened on demand.
func NewScorer(addr string, opts ...Option) *Scorer {
	s := &Scorer{
		addr:        addr,
		dialTimeout: defaultDialTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = newConnPool(s.dial)
	return s
}

func (s *Scorer) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.dialTimeout}
	return d.DialContext(ctx, "tcp", s.addr)
}

func (s *Scorer) Score(ctx context.Context, id uuid.UUID, scorable []any) ([]float64, error) {
	scores, err := s.ScoreModels(ctx, []uuid.UUID{id}, scorable)
	if err != nil {
		return nil, err
	}
	return scores[0], nil
}

func (s *Scorer) ScoreModels(ctx context.Context, ids []uuid.UUID, scorable []any) ([][]float64, error) {
	var scores [][]float64
	err := s.withConn(ctx, func(c *conn) error {
		var err error
		scores, err = roundTrip(c, Request{ModelIDs: ids, Scorable: scorable})
		return err
	})
	return scores, err
}

// ScoreInstances sends one frame per scorable on a single connection.
func (s *Scorer) ScoreInstances(ctx context.Context, id uuid.UUID, scorables [][]any) ([][]float64, error) {
	results := make([][]float64, 0, len(scorables))
	err := s.withConn(ctx, func(c *conn) error {
		ids := []uuid.UUID{id}
		for _, scorable := range scorables {
			scores, err := roundTrip(c, Request{ModelIDs: ids, Scorable: scorable})
			if err != nil {
				return err
			}
			results = append(results, scores[0])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Close closes the pooled connections. It is idempotent.
func (s *Scorer) Close() error {
	return s.pool.close()
}

// withConn runs fn on a pooled connection. The connection goes back to the
// pool only when fn succeeded or the server answered with an error frame.
func (s *Scorer) withConn(ctx context.Context, fn func(*conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.pool.acquire(ctx)
	if err != nil {
		if errors.Is(err, api.ErrUnsupported) {
			return err
		}
		return fmt.Errorf("%w: dial %s: %v", api.ErrTransport, s.addr, err)
	}
	broken := true
	defer func() { s.pool.release(c, broken) }()

	deadline, ok := ctx.Deadline()
	if !ok && s.requestTimeout > 0 {
		deadline = time.Now().Add(s.requestTimeout)
	}
	if err := c.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", api.ErrTransport, err)
	}

	err = fn(c)
	var remote *api.RemoteError
	switch {
	case err == nil:
		broken = false
		return nil
	case errors.As(err, &remote):
		broken = false
		return err
	case errors.Is(err, api.ErrParse):
		// rejected by Validate before anything was written
		broken = false
		return err
	default:
		s.logger.Debug("scoring connection dropped", zap.String("addr", s.addr), zap.Error(err))
		return fmt.Errorf("%w: %v", api.ErrTransport, err)
	}
}

func roundTrip(c *conn, req Request) ([][]float64, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := WriteRequest(c.w, req); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	scores, err := ReadResponse(c.r)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(req.ModelIDs) {
		return nil, fmt.Errorf("%w: %d score vectors for %d models", ErrFrame, len(scores), len(req.ModelIDs))
	}
	return scores, nil
}

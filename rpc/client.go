package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fosgate/api"
)

var errClientClosed = fmt.Errorf("%w: rpc client is closed", api.ErrUnsupported)

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client is an api.Manager whose calls run on a remote Handler. Every call
// is attempted once; a failure to reach the server or to read its reply is
// ErrTransport, and errors raised remotely come back as *api.RemoteError.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
	closed atomic.Bool
}

var _ api.Manager = (*Client)(nil)

// NewClient targets a control plane at addr, given as host:port or as a base URL.
func NewClient(addr string, opts ...ClientOption) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) call(ctx context.Context, method string, args, result any) error {
	if c.closed.Load() {
		return errClientClosed
	}
	body, err := json.Marshal(struct {
		Args any `json:"args"`
	}{args})
	if err != nil {
		return fmt.Errorf("%w: encode %s arguments: %v", api.ErrParse, method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+Path+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", api.ErrTransport, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: %s: read reply: %v", api.ErrTransport, method, err)
	}
	c.logger.Debug("rpc call", zap.String("method", method), zap.Int("status", resp.StatusCode), zap.Duration("elapsed", time.Since(start)))

	var rep reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return fmt.Errorf("%w: %s: %s reply is not an rpc envelope", api.ErrTransport, method, resp.Status)
	}
	if rep.Error != nil {
		return api.FromKind(rep.Error.Kind, rep.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: unexpected status %s", api.ErrTransport, method, resp.Status)
	}
	if result == nil || len(rep.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rep.Result, result); err != nil {
		if errors.Is(err, api.ErrConfig) {
			return err
		}
		return fmt.Errorf("%w: %s: decode result: %v", api.ErrTransport, method, err)
	}
	return nil
}

func (c *Client) AddModel(ctx context.Context, cfg *api.ModelConfig, model api.Model) (uuid.UUID, error) {
	var id uuid.UUID
	err := c.call(ctx, MethodAddModel, addModelArgs{Config: cfg, Model: modelValue{model}}, &id)
	return id, err
}

func (c *Client) RemoveModel(ctx context.Context, id uuid.UUID) error {
	return c.call(ctx, MethodRemoveModel, idArgs{ID: id}, nil)
}

func (c *Client) ReconfigureModel(ctx context.Context, id uuid.UUID, cfg *api.ModelConfig, model api.Model) error {
	return c.call(ctx, MethodReconfigureModel, reconfigureArgs{ID: id, Config: cfg, Model: modelValue{model}}, nil)
}

func (c *Client) ListModels(ctx context.Context) (map[uuid.UUID]*api.ModelConfig, error) {
	models := make(map[uuid.UUID]*api.ModelConfig)
	if err := c.call(ctx, MethodListModels, struct{}{}, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// GetScorer returns a scorer whose calls go through this client.
func (c *Client) GetScorer(ctx context.Context) (api.Scorer, error) {
	if err := c.call(ctx, MethodGetScorer, struct{}{}, nil); err != nil {
		return nil, err
	}
	return &remoteScorer{client: c}, nil
}

func (c *Client) TrainAndAdd(ctx context.Context, cfg *api.ModelConfig, instances [][]any) (uuid.UUID, error) {
	var id uuid.UUID
	err := c.call(ctx, MethodTrainAndAdd, trainArgs{Config: cfg, Instances: instances}, &id)
	return id, err
}

func (c *Client) TrainAndAddFile(ctx context.Context, cfg *api.ModelConfig, path string) (uuid.UUID, error) {
	var id uuid.UUID
	err := c.call(ctx, MethodTrainAndAddFile, trainFileArgs{Config: cfg, Path: path}, &id)
	return id, err
}

func (c *Client) Train(ctx context.Context, cfg *api.ModelConfig, instances [][]any) (api.Model, error) {
	var model modelValue
	if err := c.call(ctx, MethodTrain, trainArgs{Config: cfg, Instances: instances}, &model); err != nil {
		return nil, err
	}
	return model.Model, nil
}

func (c *Client) TrainFile(ctx context.Context, cfg *api.ModelConfig, path string) (api.Model, error) {
	var model modelValue
	if err := c.call(ctx, MethodTrainFile, trainFileArgs{Config: cfg, Path: path}, &model); err != nil {
		return nil, err
	}
	return model.Model, nil
}

func (c *Client) Save(ctx context.Context, id uuid.UUID, path string) error {
	return c.call(ctx, MethodSave, saveArgs{ID: id, Path: path}, nil)
}

func (c *Client) SaveAsPMML(ctx context.Context, id uuid.UUID, path string, compress bool) error {
	return c.call(ctx, MethodSaveAsPMML, saveArgs{ID: id, Path: path, Compress: compress}, nil)
}

// Close tells the server and releases idle connections. Later calls fail
// with ErrUnsupported.
func (c *Client) Close() error {
	if c.closed.Load() {
		return nil
	}
	err := c.call(context.Background(), MethodManagerClose, struct{}{}, nil)
	c.closed.Store(true)
	c.http.CloseIdleConnections()
	return err
}

type remoteScorer struct {
	client *Client
	closed atomic.Bool
}

var (
	_ api.Scorer          = (*remoteScorer)(nil)
	_ api.ModelsScorer    = (*remoteScorer)(nil)
	_ api.InstancesScorer = (*remoteScorer)(nil)
)

func (s *remoteScorer) check() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: scorer is closed", api.ErrUnsupported)
	}
	return nil
}

func (s *remoteScorer) Score(ctx context.Context, id uuid.UUID, scorable []any) ([]float64, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var scores vector
	if err := s.client.call(ctx, MethodScore, scoreArgs{ID: id, Scorable: scorable}, &scores); err != nil {
		return nil, err
	}
	return scores, nil
}

func (s *remoteScorer) ScoreModels(ctx context.Context, ids []uuid.UUID, scorable []any) ([][]float64, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var scores []vector
	if err := s.client.call(ctx, MethodScoreModels, scoreModelsArgs{IDs: ids, Scorable: scorable}, &scores); err != nil {
		return nil, err
	}
	return fromVectors(scores), nil
}

func (s *remoteScorer) ScoreInstances(ctx context.Context, id uuid.UUID, scorables [][]any) ([][]float64, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var scores []vector
	if err := s.client.call(ctx, MethodScoreInstances, scoreInstancesArgs{ID: id, Scorables: scorables}, &scores); err != nil {
		return nil, err
	}
	return fromVectors(scores), nil
}

func (s *remoteScorer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.call(context.Background(), MethodScorerClose, struct{}{}, nil)
}

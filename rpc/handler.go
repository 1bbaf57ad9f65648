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

	"go.uber.org/zap"

	"fosgate/api"
)

type method func(ctx context.Context, args json.RawMessage) (any, error)

// Handler serves every method of a local api.Manager and of its scorer.
type Handler struct {
	manager api.Manager
	logger  *zap.Logger
	methods map[string]method
}

func NewHandler(manager api.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{manager: manager, logger: logger}
	h.methods = map[string]method{
		MethodAddModel:         h.addModel,
		MethodRemoveModel:      h.removeModel,
		MethodReconfigureModel: h.reconfigureModel,
		MethodListModels:       h.listModels,
		MethodGetScorer:        h.getScorer,
		MethodTrainAndAdd:      h.trainAndAdd,
		MethodTrainAndAddFile:  h.trainAndAddFile,
		MethodTrain:            h.train,
		MethodTrainFile:        h.trainFile,
		MethodSave:             h.save,
		MethodSaveAsPMML:       h.saveAsPMML,
		MethodManagerClose:     h.ack,
		MethodScore:            h.score,
		MethodScoreModels:      h.scoreModels,
		MethodScoreInstances:   h.scoreInstances,
		MethodScorerClose:      h.ack,
	}
	return h
}

// Methods lists the names the handler dispatches.
func (h *Handler) Methods() []string {
	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	return names
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, Path)
	if r.Method != http.MethodPost {
		h.fail(w, r, name, fmt.Errorf("%w: %s %s", api.ErrUnsupported, r.Method, r.URL.Path))
		return
	}
	m, ok := h.methods[name]
	if !ok {
		h.fail(w, r, name, fmt.Errorf("%w: unknown method %q", api.ErrUnsupported, name))
		return
	}

	var req request
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, name, fmt.Errorf("%w: request body: %v", api.ErrParse, err))
		return
	}

	result, err := m(r.Context(), req.Args)
	if err != nil {
		h.fail(w, r, name, err)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		h.fail(w, r, name, fmt.Errorf("encode %s result: %w", name, err))
		return
	}
	h.write(w, http.StatusOK, reply{Result: raw})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, name string, err error) {
	kind := api.KindOf(err)
	fields := []zap.Field{
		zap.String("method", name),
		zap.String("kind", kind),
		zap.String("request_id", r.Header.Get(RequestIDHeader)),
		zap.Error(err),
	}
	if kind == api.KindInternal {
		h.logger.Error("rpc call failed", fields...)
	} else {
		h.logger.Debug("rpc call failed", fields...)
	}
	h.write(w, statusOf(kind), reply{Error: &wireError{Kind: kind, Message: err.Error()}})
}

func (h *Handler) write(w http.ResponseWriter, status int, rep reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		h.logger.Warn("failed to write rpc reply", zap.Error(err))
	}
}

// decode reads args keeping numbers as json.Number, which the attribute
// parsers accept for both numeric and categorical columns.
func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, api.ErrConfig) {
			return err
		}
		return fmt.Errorf("%w: arguments: %v", api.ErrParse, err)
	}
	return nil
}

func requireConfig(cfg *api.ModelConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: missing model config", api.ErrConfig)
	}
	return nil
}

func (h *Handler) addModel(ctx context.Context, raw json.RawMessage) (any, error) {
	var args addModelArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireConfig(args.Config); err != nil {
		return nil, err
	}
	if args.Model.Model == nil {
		return nil, fmt.Errorf("%w: missing model", api.ErrConfig)
	}
	return h.manager.AddModel(ctx, args.Config, args.Model.Model)
}

func (h *Handler) removeModel(ctx context.Context, raw json.RawMessage) (any, error) {
	var args idArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return nil, h.manager.RemoveModel(ctx, args.ID)
}

func (h *Handler) reconfigureModel(ctx context.Context, raw json.RawMessage) (any, error) {
	var args reconfigureArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireConfig(args.Config); err != nil {
		return nil, err
	}
	return nil, h.manager.ReconfigureModel(ctx, args.ID, args.Config, args.Model.Model)
}

func (h *Handler) listModels(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.manager.ListModels(ctx)
}

// getScorer only checks that a scorer is available; the caller builds its
// own remote scorer on top of the Scorer.* methods.
func (h *Handler) getScorer(ctx context.Context, _ json.RawMessage) (any, error) {
	if _, err := h.manager.GetScorer(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (h *Handler) trainAndAdd(ctx context.Context, raw json.RawMessage) (any, error) {
	var args trainArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireConfig(args.Config); err != nil {
		return nil, err
	}
	return h.manager.TrainAndAdd(ctx, args.Config, args.Instances)
}

func (h *Handler) trainAndAddFile(ctx context.Context, raw json.RawMessage) (any, error) {
	var args trainFileArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireConfig(args.Config); err != nil {
		return nil, err
	}
	return h.manager.TrainAndAddFile(ctx, args.Config, args.Path)
}

func (h *Handler) train(ctx context.Context, raw json.RawMessage) (any, error) {
	var args trainArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireConfig(args.Config); err != nil {
		return nil, err
	}
	model, err := h.manager.Train(ctx, args.Config, args.Instances)
	if err != nil {
		return nil, err
	}
	return modelValue{model}, nil
}

func (h *Handler) trainFile(ctx context.Context, raw json.RawMessage) (any, error) {
	var args trainFileArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requireConfig(args.Config); err != nil {
		return nil, err
	}
	model, err := h.manager.TrainFile(ctx, args.Config, args.Path)
	if err != nil {
		return nil, err
	}
	return modelValue{model}, nil
}

func (h *Handler) save(ctx context.Context, raw json.RawMessage) (any, error) {
	var args saveArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return nil, h.manager.Save(ctx, args.ID, args.Path)
}

func (h *Handler) saveAsPMML(ctx context.Context, raw json.RawMessage) (any, error) {
	var args saveArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return nil, h.manager.SaveAsPMML(ctx, args.ID, args.Path, args.Compress)
}

// ack answers the Close methods. The served manager and scorer belong to the
// process and are closed at shutdown, never by a client.
func (h *Handler) ack(context.Context, json.RawMessage) (any, error) {
	return nil, nil
}

func (h *Handler) score(ctx context.Context, raw json.RawMessage) (any, error) {
	var args scoreArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	s, err := h.manager.GetScorer(ctx)
	if err != nil {
		return nil, err
	}
	scores, err := s.Score(ctx, args.ID, args.Scorable)
	if err != nil {
		return nil, err
	}
	return vector(scores), nil
}

func (h *Handler) scoreModels(ctx context.Context, raw json.RawMessage) (any, error) {
	var args scoreModelsArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	s, err := h.manager.GetScorer(ctx)
	if err != nil {
		return nil, err
	}
	scores, err := api.ScoreModels(ctx, s, args.IDs, args.Scorable)
	if err != nil {
		return nil, err
	}
	return toVectors(scores), nil
}

func (h *Handler) scoreInstances(ctx context.Context, raw json.RawMessage) (any, error) {
	var args scoreInstancesArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	s, err := h.manager.GetScorer(ctx)
	if err != nil {
		return nil, err
	}
	scores, err := api.ScoreInstances(ctx, s, args.ID, args.Scorables)
	if err != nil {
		return nil, err
	}
	return toVectors(scores), nil
}

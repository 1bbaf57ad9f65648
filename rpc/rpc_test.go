package rpc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"fosgate/api"
	"fosgate/manager"
)

func fraudConfig(t *testing.T) *api.ModelConfig {
	t.Helper()
	amount, _ := api.NewNumericAttribute("amount")
	country, _ := api.NewCategoricalAttribute("country", []string{"US", "UK", "FR"})
	label, _ := api.NewCategoricalAttribute("fraud", []string{"no", "yes"})
	cfg, err := api.NewModelConfig([]api.Attribute{amount, country, label}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

var fraudRows = [][]any{
	{10.0, "US", "no"},
	{12.5, "UK", "no"},
	{8.0, "FR", "no"},
	{950.0, "FR", "yes"},
	{1200.0, "US", "yes"},
	{880.0, "UK", "yes"},
}

func newRemote(t *testing.T) (*Client, *manager.Manager) {
	t.Helper()
	m, err := manager.New(manager.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	mux := http.NewServeMux()
	mux.Handle(Path, NewHandler(m, zaptest.NewLogger(t)))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, WithClientLogger(zaptest.NewLogger(t))), m
}

func TestMethodTableIsExhaustive(t *testing.T) {
	handler := NewHandler(nil, nil)
	served := make(map[string]bool)
	for _, name := range handler.Methods() {
		served[name] = true
	}

	tests := []struct {
		prefix string
		iface  reflect.Type
		impl   reflect.Type
	}{
		{"Manager.", reflect.TypeOf((*api.Manager)(nil)).Elem(), reflect.TypeOf(&Client{})},
		{"Scorer.", reflect.TypeOf((*api.Scorer)(nil)).Elem(), reflect.TypeOf(&remoteScorer{})},
		{"Scorer.", reflect.TypeOf((*api.ModelsScorer)(nil)).Elem(), reflect.TypeOf(&remoteScorer{})},
		{"Scorer.", reflect.TypeOf((*api.InstancesScorer)(nil)).Elem(), reflect.TypeOf(&remoteScorer{})},
	}
	want := 0
	for _, tt := range tests {
		for i := 0; i < tt.iface.NumMethod(); i++ {
			m := tt.iface.Method(i)
			name := tt.prefix + m.Name
			if !served[name] {
				t.Errorf("%s has no dispatch entry", name)
			}
			got, ok := tt.impl.MethodByName(m.Name)
			if !ok {
				t.Errorf("%s has no client method", name)
				continue
			}
			// the receiver is the first input of a method value from a type
			if got.Type.NumIn()-1 != m.Type.NumIn() || got.Type.NumOut() != m.Type.NumOut() {
				t.Errorf("%s arity differs: %v vs %v", name, got.Type, m.Type)
			}
			want++
		}
	}
	if len(served) != want {
		t.Errorf("handler serves %d methods, interfaces declare %d", len(served), want)
	}
}

func TestRemoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, local := newRemote(t)

	id, err := client.TrainAndAdd(ctx, fraudConfig(t), fraudRows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remoteList, err := client.ListModels(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	localList, _ := local.ListModels(ctx)
	if len(remoteList) != 1 || !remoteList[id].Equal(localList[id]) {
		t.Fatalf("remote list %v differs from local %v", remoteList, localList)
	}

	scorer, err := client.GetScorer(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	localScorer, _ := local.GetScorer(ctx)
	vectors := [][]any{{11.0, "US", nil}, {1000.0, "UK", nil}, {"?", "DE", nil}}
	for _, v := range vectors {
		got, err := scorer.Score(ctx, id, v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want, _ := localScorer.Score(ctx, id, v)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("score(%v) = %v, want %v", v, got, want)
		}
	}
	batch, err := api.ScoreInstances(ctx, scorer, id, vectors)
	if err != nil || len(batch) != len(vectors) {
		t.Fatalf("unexpected batch %v %v", batch, err)
	}
	multi, err := api.ScoreModels(ctx, scorer, []uuid.UUID{id, id}, vectors[0])
	if err != nil || len(multi) != 2 || !reflect.DeepEqual(multi[0], batch[0]) {
		t.Fatalf("unexpected multi-model scores %v %v", multi, err)
	}

	model, err := client.Train(ctx, fraudConfig(t), fraudRows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := model.(api.ModelBinary); !ok {
		t.Fatalf("expected a binary model, got %T", model)
	}
	second, err := client.AddModel(ctx, fraudConfig(t), model)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.ReconfigureModel(ctx, second, fraudConfig(t), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "fraud.model")
	if err := client.Save(ctx, second, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved model missing: %v", err)
	}
	if err := client.RemoveModel(ctx, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := scorer.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := scorer.Score(ctx, id, vectors[0]); !errors.Is(err, api.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported from a closed scorer, got %v", err)
	}
	// closing a remote scorer leaves the served one alone
	if _, err := localScorer.Score(ctx, id, vectors[0]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.ListModels(ctx); !errors.Is(err, api.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported after close, got %v", err)
	}
	if _, err := local.ListModels(ctx); err != nil {
		t.Fatalf("served manager must stay open: %v", err)
	}
}

func TestErrorKindsCrossTheBoundary(t *testing.T) {
	ctx := context.Background()
	client, _ := newRemote(t)

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{
			name:    "not found",
			call:    func() error { return client.RemoveModel(ctx, uuid.New()) },
			wantErr: api.ErrNotFound,
		},
		{
			name: "invalid category",
			call: func() error {
				_, err := client.Train(ctx, fraudConfig(t), [][]any{{1.0, "US", "maybe"}})
				return err
			},
			wantErr: api.ErrInvalidCategory,
		},
		{
			name: "parse",
			call: func() error {
				_, err := client.Train(ctx, fraudConfig(t), [][]any{{"abc", "US", "no"}})
				return err
			},
			wantErr: api.ErrParse,
		},
		{
			name: "config",
			call: func() error {
				_, err := client.AddModel(ctx, nil, api.ModelBinary{Data: []byte("x")})
				return err
			},
			wantErr: api.ErrConfig,
		},
		{
			name: "unknown score id",
			call: func() error {
				s, err := client.GetScorer(ctx)
				if err != nil {
					return err
				}
				_, err = s.Score(ctx, uuid.New(), []any{1.0})
				return err
			},
			wantErr: api.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var remote *api.RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("expected a remote error, got %T", err)
			}
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := httptest.NewServer(NewHandler(nil, zaptest.NewLogger(t)))
	defer srv.Close()

	resp, err := http.Post(srv.URL+Path+"Manager.Explode", "application/json", strings.NewReader(`{"args":{}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotImplemented)
	}

	client := NewClient(srv.URL)
	err = client.call(context.Background(), "Manager.Explode", struct{}{}, nil)
	if !errors.Is(err, api.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestFailureLogCarriesRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	srv := httptest.NewServer(NewHandler(nil, zap.New(core)))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+Path+"Manager.Explode", strings.NewReader(`{"args":{}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	entries := logs.FilterMessage("rpc call failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-42" || fields["kind"] != api.KindUnsupported {
		t.Fatalf("unexpected log fields %v", fields)
	}
}

func TestTransportFailures(t *testing.T) {
	ctx := context.Background()

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer plain.Close()
	if _, err := NewClient(plain.URL).ListModels(ctx); !errors.Is(err, api.ErrTransport) {
		t.Fatalf("expected ErrTransport for a reply without envelope, got %v", err)
	}

	gone := httptest.NewServer(http.NotFoundHandler())
	addr := gone.URL
	gone.Close()
	if err := NewClient(addr).RemoveModel(ctx, uuid.New()); !errors.Is(err, api.ErrTransport) {
		t.Fatalf("expected ErrTransport when the server is down, got %v", err)
	}
}

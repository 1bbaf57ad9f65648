// Package rpc carries api.Manager and api.Scorer calls across a process
// boundary as JSON envelopes over HTTP.
//
//	POST /rpc/{Method}   {"args": {...}}
//	200                  {"result": ...}
//	4xx/5xx              {"error": {"kind": "not_found", "message": "..."}}
//
// Error kinds are the names returned by api.KindOf, so a sentinel raised on
// the server is matched by errors.Is on the client.
package rpc

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"

	"github.com/google/uuid"

	"fosgate/api"
)

// Path is the prefix every method is served under.
const Path = "/rpc/"

// RequestIDHeader carries the id failure logs are tagged with.
const RequestIDHeader = "X-Request-ID"

const (
	MethodAddModel         = "Manager.AddModel"
	MethodRemoveModel      = "Manager.RemoveModel"
	MethodReconfigureModel = "Manager.ReconfigureModel"
	MethodListModels       = "Manager.ListModels"
	MethodGetScorer        = "Manager.GetScorer"
	MethodTrainAndAdd      = "Manager.TrainAndAdd"
	MethodTrainAndAddFile  = "Manager.TrainAndAddFile"
	MethodTrain            = "Manager.Train"
	MethodTrainFile        = "Manager.TrainFile"
	MethodSave             = "Manager.Save"
	MethodSaveAsPMML       = "Manager.SaveAsPMML"
	MethodManagerClose     = "Manager.Close"
	MethodScore            = "Scorer.Score"
	MethodScoreModels      = "Scorer.ScoreModels"
	MethodScoreInstances   = "Scorer.ScoreInstances"
	MethodScorerClose      = "Scorer.Close"
)

const maxBodySize = 64 << 20

type request struct {
	Args json.RawMessage `json:"args"`
}

type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type configArgs struct {
	Config *api.ModelConfig `json:"config"`
}

type addModelArgs struct {
	Config *api.ModelConfig `json:"config"`
	Model  modelValue       `json:"model"`
}

type idArgs struct {
	ID uuid.UUID `json:"id"`
}

type reconfigureArgs struct {
	ID     uuid.UUID        `json:"id"`
	Config *api.ModelConfig `json:"config"`
	Model  modelValue       `json:"model"`
}

type trainArgs struct {
	Config    *api.ModelConfig `json:"config"`
	Instances [][]any          `json:"instances"`
}

type trainFileArgs struct {
	Config *api.ModelConfig `json:"config"`
	Path   string           `json:"path"`
}

type saveArgs struct {
	ID       uuid.UUID `json:"id"`
	Path     string    `json:"path"`
	Compress bool      `json:"compress,omitempty"`
}

type scoreArgs struct {
	ID       uuid.UUID `json:"id"`
	Scorable []any     `json:"scorable"`
}

type scoreModelsArgs struct {
	IDs      []uuid.UUID `json:"ids"`
	Scorable []any       `json:"scorable"`
}

type scoreInstancesArgs struct {
	ID        uuid.UUID `json:"id"`
	Scorables [][]any   `json:"scorables"`
}

// modelValue puts an api.Model behind its tagged JSON form.
type modelValue struct {
	api.Model
}

func (m modelValue) MarshalJSON() ([]byte, error) {
	return api.MarshalModel(m.Model)
}

func (m *modelValue) UnmarshalJSON(data []byte) error {
	model, err := api.UnmarshalModel(data)
	if err != nil {
		return err
	}
	m.Model = model
	return nil
}

// vector is a score vector; NaN and infinities travel as strings since JSON
// numbers cannot hold them.
type vector []float64

func (v vector) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		switch {
		case math.IsNaN(f):
			buf.WriteString(`"NaN"`)
		case math.IsInf(f, 1):
			buf.WriteString(`"+Inf"`)
		case math.IsInf(f, -1):
			buf.WriteString(`"-Inf"`)
		default:
			b, err := json.Marshal(f)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (v *vector) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]float64, len(raw))
	for i, r := range raw {
		switch string(r) {
		case `"NaN"`:
			out[i] = math.NaN()
		case `"+Inf"`:
			out[i] = math.Inf(1)
		case `"-Inf"`:
			out[i] = math.Inf(-1)
		default:
			if err := json.Unmarshal(r, &out[i]); err != nil {
				return err
			}
		}
	}
	*v = out
	return nil
}

func toVectors(scores [][]float64) []vector {
	out := make([]vector, len(scores))
	for i, s := range scores {
		out[i] = s
	}
	return out
}

func fromVectors(vs []vector) [][]float64 {
	out := make([][]float64, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

// statusOf maps an error kind onto the HTTP status of its reply.
func statusOf(kind string) int {
	switch kind {
	case api.KindParse, api.KindConfig, api.KindInvalidCategory:
		return http.StatusBadRequest
	case api.KindNotFound:
		return http.StatusNotFound
	case api.KindUnsupported:
		return http.StatusNotImplemented
	case api.KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

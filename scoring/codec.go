// Package scoring implements the binary scoring protocol: a persistent TCP
// stream of big-endian request and response frames.
//
// Request:  u32 n, n x 16-byte model id, u32 m, m x value
// Value:    u8 tag; 0 null, 1 float64, 2 string (u32 length + UTF-8), 3 int64, 4 bool (u8)
// Response: i32 n, n x (u32 k, k x float64)
// Error:    i32 -1, u8 kind length, kind, u32 message length, message
package scoring

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"

	"fosgate/api"
)

const (
	tagNull byte = iota
	tagFloat
	tagString
	tagInt
	tagBool
)

const errorFrame int32 = -1

// Frame limits reject garbage before allocating for it.
const (
	maxModels    = 1 << 16
	maxValues    = 1 << 16
	maxScores    = 1 << 20
	maxStringLen = 1 << 24
)

// ErrFrame marks a frame that violates the protocol.
var ErrFrame = errors.New("malformed frame")

// Request is one scoring call: a feature vector scored against every model.
type Request struct {
	ModelIDs []uuid.UUID
	Scorable []any
}

// Validate reports whether req can be encoded, so a caller can refuse it
// before any byte reaches the stream.
func (req Request) Validate() error {
	if len(req.ModelIDs) > maxModels || len(req.Scorable) > maxValues {
		return fmt.Errorf("%w: request too large", api.ErrParse)
	}
	for _, v := range req.Scorable {
		switch x := v.(type) {
		case nil, float64, float32, bool, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64, json.Number, fmt.Stringer:
		case string:
			if len(x) > maxStringLen {
				return fmt.Errorf("%w: string of %d bytes", api.ErrParse, len(x))
			}
		default:
			return fmt.Errorf("%w: cannot encode %T", api.ErrParse, v)
		}
	}
	return nil
}

func WriteRequest(w *bufio.Writer, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(req.ModelIDs))); err != nil {
		return err
	}
	for _, id := range req.ModelIDs {
		if _, err := w.Write(id[:]); err != nil {
			return err
		}
	}
	if err := writeU32(w, uint32(len(req.Scorable))); err != nil {
		return err
	}
	for _, v := range req.Scorable {
		if err := writeValue(w, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadRequest returns io.EOF when the peer closed the stream between frames.
func ReadRequest(r *bufio.Reader) (Request, error) {
	var req Request
	n, err := readU32(r)
	if err != nil {
		return req, err
	}
	if n > maxModels {
		return req, fmt.Errorf("%w: %d model ids", ErrFrame, n)
	}
	req.ModelIDs = make([]uuid.UUID, n)
	for i := range req.ModelIDs {
		if _, err := io.ReadFull(r, req.ModelIDs[i][:]); err != nil {
			return req, unexpected(err)
		}
	}
	m, err := readU32(r)
	if err != nil {
		return req, unexpected(err)
	}
	if m > maxValues {
		return req, fmt.Errorf("%w: %d values", ErrFrame, m)
	}
	req.Scorable = make([]any, m)
	for i := range req.Scorable {
		if req.Scorable[i], err = readValue(r); err != nil {
			return req, unexpected(err)
		}
	}
	return req, nil
}

func WriteResponse(w *bufio.Writer, scores [][]float64) error {
	if len(scores) > maxModels {
		return fmt.Errorf("%w: response too large", ErrFrame)
	}
	if err := writeU32(w, uint32(len(scores))); err != nil {
		return err
	}
	for _, vector := range scores {
		if err := writeU32(w, uint32(len(vector))); err != nil {
			return err
		}
		for _, s := range vector {
			if err := writeU64(w, math.Float64bits(s)); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteError writes an error frame. The connection stays usable afterwards.
func WriteError(w *bufio.Writer, kind, message string) error {
	if len(kind) > math.MaxUint8 {
		kind = kind[:math.MaxUint8]
	}
	if len(message) > maxStringLen {
		message = message[:maxStringLen]
	}
	// i32 -1
	if err := writeU32(w, math.MaxUint32); err != nil {
		return err
	}
	if err := w.WriteByte(byte(len(kind))); err != nil {
		return err
	}
	if _, err := w.WriteString(kind); err != nil {
		return err
	}
	return writeString(w, message)
}

// ReadResponse returns the score vectors, or an *api.RemoteError when the
// peer answered with an error frame.
func ReadResponse(r *bufio.Reader) ([][]float64, error) {
	raw, err := readU32(r)
	if err != nil {
		return nil, err
	}
	n := int32(raw)
	if n == errorFrame {
		return nil, readError(r)
	}
	if n < 0 || n > maxModels {
		return nil, fmt.Errorf("%w: %d score vectors", ErrFrame, n)
	}
	scores := make([][]float64, n)
	for i := range scores {
		k, err := readU32(r)
		if err != nil {
			return nil, unexpected(err)
		}
		if k > maxScores {
			return nil, fmt.Errorf("%w: %d scores", ErrFrame, k)
		}
		vector := make([]float64, k)
		for j := range vector {
			bits, err := readU64(r)
			if err != nil {
				return nil, unexpected(err)
			}
			vector[j] = math.Float64frombits(bits)
		}
		scores[i] = vector
	}
	return scores, nil
}

func readError(r *bufio.Reader) error {
	kindLen, err := r.ReadByte()
	if err != nil {
		return unexpected(err)
	}
	kind := make([]byte, kindLen)
	if _, err := io.ReadFull(r, kind); err != nil {
		return unexpected(err)
	}
	message, err := readString(r)
	if err != nil {
		return unexpected(err)
	}
	return api.FromKind(string(kind), message)
}

func writeValue(w *bufio.Writer, v any) error {
	switch x := v.(type) {
	case nil:
		return w.WriteByte(tagNull)
	case float64:
		return writeFloat(w, x)
	case float32:
		return writeFloat(w, float64(x))
	case string:
		if err := w.WriteByte(tagString); err != nil {
			return err
		}
		return writeString(w, x)
	case bool:
		if err := w.WriteByte(tagBool); err != nil {
			return err
		}
		if x {
			return w.WriteByte(1)
		}
		return w.WriteByte(0)
	case int:
		return writeInt(w, int64(x))
	case int8:
		return writeInt(w, int64(x))
	case int16:
		return writeInt(w, int64(x))
	case int32:
		return writeInt(w, int64(x))
	case int64:
		return writeInt(w, x)
	case uint8:
		return writeInt(w, int64(x))
	case uint16:
		return writeInt(w, int64(x))
	case uint32:
		return writeInt(w, int64(x))
	case uint:
		if uint64(x) > math.MaxInt64 {
			return writeFloat(w, float64(x))
		}
		return writeInt(w, int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return writeFloat(w, float64(x))
		}
		return writeInt(w, int64(x))
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return writeInt(w, i)
		}
		if f, err := x.Float64(); err == nil {
			return writeFloat(w, f)
		}
		return writeValue(w, string(x))
	case fmt.Stringer:
		return writeValue(w, x.String())
	default:
		return fmt.Errorf("%w: cannot encode %T", api.ErrParse, v)
	}
}

func readValue(r *bufio.Reader) (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagFloat:
		bits, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(bits), nil
	case tagString:
		return readString(r)
	case tagInt:
		bits, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return int64(bits), nil
	case tagBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	default:
		return nil, fmt.Errorf("%w: unknown value tag %d", ErrFrame, tag)
	}
}

func writeFloat(w *bufio.Writer, f float64) error {
	if err := w.WriteByte(tagFloat); err != nil {
		return err
	}
	return writeU64(w, math.Float64bits(f))
}

func writeInt(w *bufio.Writer, i int64) error {
	if err := w.WriteByte(tagInt); err != nil {
		return err
	}
	return writeU64(w, uint64(i))
}

func writeString(w *bufio.Writer, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("%w: string of %d bytes", ErrFrame, len(s))
	}
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bufio.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("%w: string of %d bytes", ErrFrame, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeU32(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU64(w *bufio.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readU64(r *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// unexpected turns a clean EOF inside a frame into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

package ml

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"fosgate/api"
)

func LoadClassifier(format api.Format, path string) (Classifier, error) {
	switch format {
	case api.FormatBinary:
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return DecodeClassifier(payload)
	case api.FormatPMML:
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		r, err := maybeGunzip(bufio.NewReader(file))
		if err != nil {
			return nil, err
		}
		return ReadPMML(r)
	default:
		return nil, fmt.Errorf("%w: unsupported model format %q", api.ErrConfig, format)
	}
}

// maybeGunzip transparently decompresses gzip containers.
func maybeGunzip(r *bufio.Reader) (io.Reader, error) {
	magic, err := r.Peek(2)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(r)
	}
	return r, nil
}

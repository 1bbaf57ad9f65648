package db

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"fosgate/api"
)

// ModelFileName returns {id}.model for binary models and {id}.xml for PMML.
func ModelFileName(id uuid.UUID, format api.Format) string {
	if format == api.FormatPMML {
		return id.String() + ".xml"
	}
	return id.String() + ".model"
}

// WriteModelFile persists model under dir and returns a descriptor for the
// written file. Descriptor models are copied so the store owns its files.
func WriteModelFile(dir string, id uuid.UUID, model api.Model) (api.ModelDescriptor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return api.ModelDescriptor{}, err
	}
	switch m := model.(type) {
	case api.ModelBinary:
		path := filepath.Join(dir, ModelFileName(id, api.FormatBinary))
		if err := writeFileAtomic(path, func(w io.Writer) error {
			_, err := w.Write(m.Data)
			return err
		}); err != nil {
			return api.ModelDescriptor{}, err
		}
		return api.ModelDescriptor{Format: api.FormatBinary, Path: path}, nil
	case api.ModelDescriptor:
		path := filepath.Join(dir, ModelFileName(id, m.Format))
		if sameFile(path, m.Path) {
			return api.ModelDescriptor{Format: m.Format, Path: path}, nil
		}
		src, err := os.Open(m.Path)
		if err != nil {
			return api.ModelDescriptor{}, err
		}
		defer src.Close()
		if err := writeFileAtomic(path, func(w io.Writer) error {
			_, err := io.Copy(w, src)
			return err
		}); err != nil {
			return api.ModelDescriptor{}, err
		}
		return api.ModelDescriptor{Format: m.Format, Path: path}, nil
	default:
		return api.ModelDescriptor{}, fmt.Errorf("%w: unknown model variant %T", api.ErrConfig, model)
	}
}

// WritePMML writes a PMML document, gzip-compressed when compress is set.
func WritePMML(path string, text []byte, compress bool) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		if !compress {
			_, err := w.Write(text)
			return err
		}
		zw := gzip.NewWriter(w)
		if _, err := zw.Write(text); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	})
}

// WriteBinary writes a binary model blob to path.
func WriteBinary(path string, data []byte) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func writeFileAtomic(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func sameFile(a, b string) bool {
	fa, err := os.Stat(a)
	if err != nil {
		return false
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(fa, fb)
}

package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"fosgate/api"
)

// ReadInstances reads one training instance per CSV row, columns in schema
// order. Cells are returned as strings; charset names an IANA encoding and
// defaults to UTF-8.
func ReadInstances(path, charset string) ([][]any, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r, err := decodeCharset(file, charset)
	if err != nil {
		return nil, err
	}
	return readCSV(r)
}

func decodeCharset(r io.Reader, charset string) (io.Reader, error) {
	name := strings.TrimSpace(charset)
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return r, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("%w: charset %q: %v", api.ErrConfig, charset, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: charset %q is not supported", api.ErrConfig, charset)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}

func readCSV(r io.Reader) ([][]any, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]any
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrParse, err)
		}
		row := make([]any, len(record))
		for i, cell := range record {
			row[i] = cell
		}
		rows = append(rows, row)
	}
}

// Package output writes harvested records to a destination in a chosen
// encoding.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"stacktap/internal/stackexchange"
)

// Encoder writes records one at a time. Close flushes any trailing
// framing and must be called once encoding is done.
type Encoder interface {
	Encode(rec *stackexchange.Record) error
	Close() error
}

// NewEncoder returns an encoder writing format to w. Supported formats
// are "jsonl", one record per line, and "json", one indented array.
func NewEncoder(w io.Writer, format string) (Encoder, error) {
	switch format {
	case "jsonl":
		return &linesEncoder{enc: json.NewEncoder(w)}, nil
	case "json":
		return &arrayEncoder{w: w}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want jsonl or json)", format)
	}
}

// Open returns the destination for path, where "-" or an empty path
// means stdout. Closing the stdout destination is a no-op.
func Open(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	return f, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type linesEncoder struct {
	enc *json.Encoder
}

func (e *linesEncoder) Encode(rec *stackexchange.Record) error {
	return e.enc.Encode(rec)
}

func (e *linesEncoder) Close() error {
	return nil
}

// arrayEncoder streams the array framing as records arrive so memory
// stays flat however long the harvest runs.
type arrayEncoder struct {
	w io.Writer
	n int
}

func (e *arrayEncoder) Encode(rec *stackexchange.Record) error {
	prefix := "[\n"
	if e.n > 0 {
		prefix = ",\n"
	}
	if _, err := io.WriteString(e.w, prefix); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "  ", "  ")
	if err != nil {
		return err
	}
	if _, err := io.WriteString(e.w, "  "); err != nil {
		return err
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	e.n++
	return nil
}

func (e *arrayEncoder) Close() error {
	if e.n == 0 {
		_, err := io.WriteString(e.w, "[]\n")
		return err
	}
	_, err := io.WriteString(e.w, "\n]\n")
	return err
}

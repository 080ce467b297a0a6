package output

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stacktap/internal/stackexchange"
)

func testRecords() []*stackexchange.Record {
	return []*stackexchange.Record{
		{
			UUID:         "aaa",
			Origin:       "stackoverflow",
			Category:     stackexchange.CategoryQuestion,
			UpdatedOn:    1000,
			SearchFields: stackexchange.SearchFields{ItemID: "1"},
			Data:         json.RawMessage(`{"question_id":1}`),
		},
		{
			UUID:         "bbb",
			Origin:       "stackoverflow",
			Category:     stackexchange.CategoryQuestion,
			UpdatedOn:    2000,
			SearchFields: stackexchange.SearchFields{ItemID: "2"},
			Data:         json.RawMessage(`{"question_id":2}`),
		},
	}
}

func encodeAll(t *testing.T, format string, recs []*stackexchange.Record) string {
	t.Helper()
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, format)
	if err != nil {
		t.Fatalf("NewEncoder(%q): %v", format, err)
	}
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.String()
}

func TestLinesEncoder(t *testing.T) {
	got := encodeAll(t, "jsonl", testRecords())

	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2: %q", len(lines), got)
	}
	for i, line := range lines {
		var rec stackexchange.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d is not JSON: %v", i, err)
		}
	}

	var first stackexchange.Record
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.UUID != "aaa" || first.SearchFields.ItemID != "1" {
		t.Errorf("first record = %+v", first)
	}
}

func TestArrayEncoder(t *testing.T) {
	got := encodeAll(t, "json", testRecords())

	var recs []stackexchange.Record
	if err := json.Unmarshal([]byte(got), &recs); err != nil {
		t.Fatalf("output is not a JSON array: %v\n%s", err, got)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].UUID != "aaa" || recs[1].UUID != "bbb" {
		t.Errorf("uuids = %q, %q", recs[0].UUID, recs[1].UUID)
	}
	if string(recs[1].Data) != `{"question_id":2}` {
		t.Errorf("data = %s", recs[1].Data)
	}
}

func TestArrayEncoder_Empty(t *testing.T) {
	got := encodeAll(t, "json", nil)
	if strings.TrimSpace(got) != "[]" {
		t.Errorf("empty array output = %q, want []", got)
	}
}

func TestNewEncoder_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewEncoder(&buf, "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestOpen_Stdout(t *testing.T) {
	for _, path := range []string{"", "-"} {
		w, err := Open(path)
		if err != nil {
			t.Fatalf("Open(%q): %v", path, err)
		}
		if w.(nopCloser).Writer != os.Stdout {
			t.Errorf("Open(%q) did not return stdout", path)
		}
		if err := w.Close(); err != nil {
			t.Errorf("closing stdout destination: %v", err)
		}
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("file contents = %q", data)
	}
}

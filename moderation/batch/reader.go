// Package batch replays exported chat logs through the moderation engine and
// writes an aggregate digest.
package batch

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var ErrUnsupportedFormat = errors.New("input must be .csv or .jsonl/.ndjson")

type Row struct {
	Line      int
	Timestamp time.Time
	UserID    string
	Channel   string
	Text      string
}

// Skip records an input row that could not be used.
type Skip struct {
	Line   int
	Reason string
}

type Input struct {
	Rows    []Row
	Skipped []Skip
}

// Exports are loose about types: ids and epoch timestamps often arrive as
// JSON numbers.
type rawRow struct {
	Timestamp any `json:"timestamp"`
	UserID    any `json:"user_id"`
	Channel   any `json:"channel"`
	Text      any `json:"text"`
}

func stringField(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// numbers are kept as json.Number so large ids do not turn into floats
func decodeRow(raw string) (rawRow, error) {
	var rr rawRow
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rr); err != nil {
		return rr, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return rr, fmt.Errorf("trailing data after object")
	}
	return rr, nil
}

// ReadFile picks the format from the file extension.
func ReadFile(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f)
	case ".jsonl", ".ndjson":
		return ReadNDJSON(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// ReadCSV expects a header row with at least a "text" column; "timestamp",
// "user_id" and "channel" are optional.
func ReadCSV(r io.Reader) (*Input, error) {
	rd := csv.NewReader(r)
	rd.FieldsPerRecord = -1
	header, err := rd.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["text"]; !ok {
		return nil, fmt.Errorf("csv has no text column")
	}
	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	in := &Input{}
	line := 1
	for {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			in.Skipped = append(in.Skipped, Skip{Line: line, Reason: err.Error()})
			continue
		}
		in.add(line, rawRow{
			Timestamp: field(rec, "timestamp"),
			UserID:    field(rec, "user_id"),
			Channel:   field(rec, "channel"),
			Text:      field(rec, "text"),
		})
	}
	return in, nil
}

func ReadNDJSON(r io.Reader) (*Input, error) {
	in := &Input{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		rr, err := decodeRow(raw)
		if err != nil {
			in.Skipped = append(in.Skipped, Skip{Line: line, Reason: "invalid json"})
			continue
		}
		in.add(line, rr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ndjson: %w", err)
	}
	return in, nil
}

func (in *Input) add(line int, rr rawRow) {
	text := stringField(rr.Text)
	if text == "" {
		in.Skipped = append(in.Skipped, Skip{Line: line, Reason: "missing text"})
		return
	}
	row := Row{
		Line:    line,
		UserID:  stringField(rr.UserID),
		Channel: stringField(rr.Channel),
		Text:    text,
	}
	// epoch numbers parse too; unparseable timestamps fall back to processing time
	if ts := stringField(rr.Timestamp); ts != "" {
		if t, err := dateparse.ParseAny(ts); err == nil {
			row.Timestamp = t.UTC()
		}
	}
	in.Rows = append(in.Rows, row)
}

// Package ingest decodes email-channel roster files into the row shapes the
// reconciliation core consumes. Supported formats are CSV with a header row
// and JSON (bare array or {rows:[…]}); spreadsheet formats are refused so
// the caller can answer with a client error instead of garbage rows.
package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

// ErrUnsupportedFormat marks payloads the decoder refuses outright, such as
// XLSX uploads.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Kind selects which row shape a payload decodes into.
type Kind string

const (
	KindUpserts Kind = "upserts"
	KindDeltas  Kind = "deltas"
)

// ParseKind maps the request's kind field onto a Kind. Empty input means
// upserts.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KindUpserts):
		return KindUpserts, nil
	case string(KindDeltas):
		return KindDeltas, nil
	}
	return "", fmt.Errorf("unknown kind %q, want upserts or deltas", s)
}

// File-magic prefixes for the spreadsheet formats we refuse. XLSX is a zip
// container; legacy XLS is an OLE compound document.
var (
	zipMagic = []byte{0x50, 0x4b, 0x03, 0x04}
	oleMagic = []byte{0xd0, 0xcf, 0x11, 0xe0}
)

// DecodeUpserts reads one email-channel roster file. The format is taken
// from the content, with the filename only consulted to refuse spreadsheet
// extensions early.
func DecodeUpserts(filename string, r io.Reader) ([]models.UpsertRow, error) {
	data, err := prepare(filename, r)
	if err != nil {
		return nil, err
	}
	if looksLikeJSON(data) {
		return decodeUpsertJSON(data)
	}
	return decodeUpsertCSV(data)
}

// DecodeDeltas reads one email-channel delta file.
func DecodeDeltas(filename string, r io.Reader) ([]models.DeltaMessage, error) {
	data, err := prepare(filename, r)
	if err != nil {
		return nil, err
	}
	if looksLikeJSON(data) {
		return decodeDeltaJSON(data)
	}
	return decodeDeltaCSV(data)
}

func prepare(filename string, r io.Reader) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xls":
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	// Mail clients love to prepend a UTF-8 BOM.
	data = bytes.TrimPrefix(data, []byte{0xef, 0xbb, 0xbf})
	if bytes.HasPrefix(data, zipMagic) || bytes.HasPrefix(data, oleMagic) {
		return nil, fmt.Errorf("%w: spreadsheet upload", ErrUnsupportedFormat)
	}
	return data, nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{')
}

func decodeUpsertJSON(data []byte) ([]models.UpsertRow, error) {
	var rows []models.UpsertRow
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}
	var wrapped struct {
		Rows []models.UpsertRow `json:"rows"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode json rows: %w", err)
	}
	return wrapped.Rows, nil
}

func decodeDeltaJSON(data []byte) ([]models.DeltaMessage, error) {
	var rows []models.DeltaMessage
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}
	var wrapped struct {
		Rows []models.DeltaMessage `json:"rows"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode json rows: %w", err)
	}
	return wrapped.Rows, nil
}

func decodeUpsertCSV(data []byte) ([]models.UpsertRow, error) {
	records, err := readCSV(data)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	emailCol, statusCol, err := headerColumns(records[0], "status", "statusinorg")
	if err != nil {
		return nil, err
	}

	rows := make([]models.UpsertRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := models.UpsertRow{Email: cell(rec, emailCol), StatusInOrg: cell(rec, statusCol)}
		if row.Email == "" && row.StatusInOrg == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeDeltaCSV(data []byte) ([]models.DeltaMessage, error) {
	records, err := readCSV(data)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	emailCol, typeCol, err := headerColumns(records[0], "deltatype")
	if err != nil {
		return nil, err
	}
	eventCol := findColumn(records[0], "eventid")

	rows := make([]models.DeltaMessage, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := models.DeltaMessage{
			Email:     cell(rec, emailCol),
			DeltaType: models.DeltaType(strings.ToLower(cell(rec, typeCol))),
			EventID:   cell(rec, eventCol),
		}
		if row.Email == "" && row.DeltaType == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readCSV(data []byte) ([][]string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	return records, nil
}

// headerColumns locates the email column and the first match among the
// value column names. Matching is case-insensitive; extra columns are
// ignored.
func headerColumns(header []string, valueNames ...string) (emailCol, valueCol int, err error) {
	emailCol = findColumn(header, "email")
	if emailCol < 0 {
		return 0, 0, errors.New("csv header is missing an email column")
	}
	for _, name := range valueNames {
		if col := findColumn(header, name); col >= 0 {
			return emailCol, col, nil
		}
	}
	return 0, 0, fmt.Errorf("csv header is missing a %s column", valueNames[0])
}

func findColumn(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func cell(rec []string, col int) string {
	if col < 0 || col >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[col])
}

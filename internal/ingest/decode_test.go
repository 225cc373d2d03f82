package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/ctopuviyan/OrgOnboarder/internal/models"
)

func TestParseKind(t *testing.T) {
	cases := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindUpserts, false},
		{"upserts", KindUpserts, false},
		{" Deltas ", KindDeltas, false},
		{"rows", "", true},
	}
	for _, c := range cases {
		got, err := ParseKind(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseKind(%q) succeeded, want error", c.in)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", c.in, got, err, c.want)
		}
	}
}

func TestDecodeUpsertsCSV(t *testing.T) {
	const file = "name,Email,department,Status\n" +
		"Alice,alice@x.com,eng,Active\n" +
		"Bob,bob@x.com,sales,terminated\n" +
		",,,\n" +
		"Carol,carol@x.com,,\n"

	rows, err := DecodeUpserts("roster.csv", strings.NewReader(file))
	if err != nil {
		t.Fatalf("DecodeUpserts: %v", err)
	}
	want := []models.UpsertRow{
		{Email: "alice@x.com", StatusInOrg: "Active"},
		{Email: "bob@x.com", StatusInOrg: "terminated"},
		{Email: "carol@x.com", StatusInOrg: ""},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %+v, want %d entries", rows, len(want))
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], want[i])
		}
	}
}

func TestDecodeUpsertsCSVStatusInOrgHeader(t *testing.T) {
	const file = "email,statusInOrg\na@x.com,left\n"
	rows, err := DecodeUpserts("roster.csv", strings.NewReader(file))
	if err != nil {
		t.Fatalf("DecodeUpserts: %v", err)
	}
	if len(rows) != 1 || rows[0].StatusInOrg != "left" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestDecodeUpsertsCSVRequiresEmailColumn(t *testing.T) {
	_, err := DecodeUpserts("roster.csv", strings.NewReader("name,status\nAlice,active\n"))
	if err == nil || !strings.Contains(err.Error(), "email") {
		t.Fatalf("err = %v, want missing email column", err)
	}
}

func TestDecodeUpsertsCSVStripsBOM(t *testing.T) {
	file := "\xef\xbb\xbfemail,status\na@x.com,active\n"
	rows, err := DecodeUpserts("roster.csv", strings.NewReader(file))
	if err != nil {
		t.Fatalf("DecodeUpserts: %v", err)
	}
	if len(rows) != 1 || rows[0].Email != "a@x.com" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestDecodeUpsertsJSON(t *testing.T) {
	bare := `[{"email":"a@x.com","statusInOrg":"active"}]`
	rows, err := DecodeUpserts("roster.json", strings.NewReader(bare))
	if err != nil || len(rows) != 1 || rows[0].Email != "a@x.com" {
		t.Fatalf("bare array: rows=%+v err=%v", rows, err)
	}

	wrapped := `{"rows":[{"email":"b@x.com","statusInOrg":"left"}]}`
	rows, err = DecodeUpserts("roster.json", strings.NewReader(wrapped))
	if err != nil || len(rows) != 1 || rows[0].StatusInOrg != "left" {
		t.Fatalf("wrapped rows: rows=%+v err=%v", rows, err)
	}
}

func TestDecodeRefusesSpreadsheets(t *testing.T) {
	// Extension check fires before any bytes are read.
	if _, err := DecodeUpserts("roster.xlsx", strings.NewReader("")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("xlsx extension: err = %v, want ErrUnsupportedFormat", err)
	}
	// A zip container smuggled in under a friendly name is still refused.
	if _, err := DecodeUpserts("roster.csv", strings.NewReader("PK\x03\x04rest")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("zip magic: err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestDecodeDeltasCSV(t *testing.T) {
	const file = "email,deltaType,eventId\n" +
		"a@x.com,LEFT,ev-1\n" +
		"b@x.com,reactivated,\n"

	rows, err := DecodeDeltas("deltas.csv", strings.NewReader(file))
	if err != nil {
		t.Fatalf("DecodeDeltas: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v, want 2", rows)
	}
	if rows[0].DeltaType != models.DeltaLeft || rows[0].EventID != "ev-1" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].DeltaType != models.DeltaReactivated || rows[1].EventID != "" {
		t.Errorf("row 1 = %+v", rows[1])
	}
}

func TestDecodeDeltasJSON(t *testing.T) {
	payload := `{"rows":[{"email":"a@x.com","deltaType":"inactive"}]}`
	rows, err := DecodeDeltas("deltas.json", strings.NewReader(payload))
	if err != nil || len(rows) != 1 || rows[0].DeltaType != models.DeltaInactive {
		t.Fatalf("rows=%+v err=%v", rows, err)
	}
}

func TestDecodeEmptyPayloads(t *testing.T) {
	rows, err := DecodeUpserts("empty.csv", strings.NewReader(""))
	if err != nil || len(rows) != 0 {
		t.Fatalf("empty csv: rows=%+v err=%v", rows, err)
	}
	deltas, err := DecodeDeltas("empty.json", strings.NewReader(`{"rows":[]}`))
	if err != nil || len(deltas) != 0 {
		t.Fatalf("empty json: rows=%+v err=%v", deltas, err)
	}
}

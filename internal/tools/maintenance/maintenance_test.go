package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/sessionstate/internal/services/state/archive"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/eventlog"
)

var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func TestResolveEntityIDs(t *testing.T) {
	tests := []struct {
		single   string
		list     string
		expected []string
		wantErr  bool
	}{
		{single: "", list: "", wantErr: true},
		{single: "e1", list: "e2", wantErr: true},
		{single: "e1", list: "", expected: []string{"e1"}},
		{single: "", list: "e1, e2", expected: []string{"e1", "e2"}},
		{single: "", list: " , e1 , , e2 ", expected: []string{"e1", "e2"}},
		{single: "", list: " , ", wantErr: true},
	}

	for _, tc := range tests {
		got, err := resolveEntityIDs(tc.single, tc.list)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q/%q", tc.single, tc.list)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q/%q: %v", tc.single, tc.list, err)
		}
		if !reflect.DeepEqual(got, tc.expected) {
			t.Fatalf("expected %v, got %v", tc.expected, got)
		}
	}
}

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("SESSIONSTATE_DATA_DIR", "/srv/state")
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-entity-id", "m-1", "-integrity"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.EventsDBPath != filepath.Join("/srv/state", "events.db") {
		t.Fatalf("events db path = %q", cfg.EventsDBPath)
	}
	if cfg.ArchiveDBPath != filepath.Join("/srv/state", "archive.db") {
		t.Fatalf("archive db path = %q", cfg.ArchiveDBPath)
	}
	if cfg.EntityID != "m-1" || !cfg.Integrity {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Limit != 50 || cfg.Timeout != 10*time.Minute {
		t.Fatalf("limit/timeout = %d/%v, want 50/10m", cfg.Limit, cfg.Timeout)
	}
}

func TestRunRejectsConflictingModes(t *testing.T) {
	tests := []Config{
		{Archives: true, DeadLetters: true, Limit: 10},
		{Archives: true, EntityID: "m-1", Limit: 10},
		{DeadLetters: true, Integrity: true, Limit: 10},
		{DeadLetters: true, Limit: 0},
		{},
	}
	for i, cfg := range tests {
		if err := Run(context.Background(), cfg, nil, nil); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestRunMissingDatabase(t *testing.T) {
	cfg := Config{EntityID: "m-1", EventsDBPath: filepath.Join(t.TempDir(), "missing.db")}
	if err := Run(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected error for missing events db")
	}
}

func sampleEvents(entityID string, n int) []eventlog.Event {
	events := make([]eventlog.Event, 0, n)
	for i := 1; i <= n; i++ {
		typ := "score"
		if i%2 == 0 {
			typ = "turn"
		}
		events = append(events, eventlog.Event{
			ID:        fmt.Sprintf("evt-%d", i),
			EntityID:  entityID,
			Seq:       uint64(i),
			Type:      typ,
			Timestamp: testNow.Add(time.Duration(i) * time.Second),
		})
	}
	return events
}

func TestRunWithDepsScan(t *testing.T) {
	store := &fakeEventStore{events: map[string][]eventlog.Event{"m-1": sampleEvents("m-1", 250)}}
	var out, errOut bytes.Buffer
	if err := runWithDeps(context.Background(), Config{}, []string{"m-1"}, store, &out, &errOut); err != nil {
		t.Fatalf("run: %v (stderr %s)", err, errOut.String())
	}
	if !store.closed {
		t.Fatal("event store was not closed")
	}
	want := "Scanned events for entity m-1 through seq 250 (250 events)\n  score: 125\n  turn: 125\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
}

func TestRunWithDepsIntegrityJSON(t *testing.T) {
	store := &fakeEventStore{
		events:    map[string][]eventlog.Event{"m-1": sampleEvents("m-1", 3), "m-2": sampleEvents("m-2", 2)},
		verifyErr: map[string]error{"m-2": errors.New("chain hash mismatch")},
	}
	var out, errOut bytes.Buffer
	err := runWithDeps(context.Background(), Config{Integrity: true, JSONOutput: true}, []string{"m-1", "m-2"}, store, &out, &errOut)
	if err == nil {
		t.Fatal("expected failure when one entity fails verification")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("output lines = %d, want 2: %q", len(lines), out.String())
	}
	var first, second runResult
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.EntityID != "m-1" || first.Mode != "integrity" || string(first.Report) != `{"checked":3}` {
		t.Fatalf("first = %+v report %s", first, first.Report)
	}
	if second.EntityID != "m-2" || !strings.Contains(second.Error, "chain hash mismatch") {
		t.Fatalf("second = %+v", second)
	}
}

func TestRunWithDepsReportsListErrors(t *testing.T) {
	store := &fakeEventStore{listErr: errors.New("disk gone")}
	var out, errOut bytes.Buffer
	if err := runWithDeps(context.Background(), Config{}, []string{"m-1"}, store, &out, &errOut); err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(errOut.String(), "disk gone") {
		t.Fatalf("stderr = %q, want list error", errOut.String())
	}
}

func TestRunArchiveReport(t *testing.T) {
	store := &fakeArchiveStore{records: []archive.Record{{
		EntityID:   "m-1",
		EntityType: "match",
		Backend:    "sqlite",
		Seq:        7,
		Trigger:    archive.TriggerOnCompletion,
		Size:       120,
		ArchivedAt: testNow,
	}}}
	filter := archive.Filter{EntityType: "match", Limit: 5}
	var out bytes.Buffer
	if err := runArchiveReport(context.Background(), store, filter, false, &out); err != nil {
		t.Fatalf("archive report: %v", err)
	}
	if store.lastFilter != filter {
		t.Fatalf("filter = %+v, want %+v", store.lastFilter, filter)
	}
	want := "Archive records: 1\n- m-1 type=match backend=sqlite seq=7 trigger=on_completion size=120 compressed=false archived_at=2026-03-04T10:00:00Z\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}

	store.err = errors.New("index offline")
	if err := runArchiveReport(context.Background(), store, filter, true, &out); err == nil {
		t.Fatal("expected query error")
	}
}

func TestRunDeadLetterReportHonoursLimit(t *testing.T) {
	store := &fakeArchiveStore{deadLetters: []archive.DeadLetter{
		{Job: archive.Job{EntityID: "m-1", EntityType: "match", Trigger: archive.TriggerTimeBased, Attempts: 3}, Reason: "backend down", FailedAt: testNow, HasState: true},
		{Job: archive.Job{EntityID: "m-2", EntityType: "match", Trigger: archive.TriggerManual, Attempts: 3}, Reason: "backend down", FailedAt: testNow},
	}}
	var out bytes.Buffer
	if err := runDeadLetterReport(context.Background(), store, 1, true, &out); err != nil {
		t.Fatalf("dead letter report: %v", err)
	}
	var report deadLetterReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Total != 2 || len(report.Rows) != 1 {
		t.Fatalf("report total/rows = %d/%d, want 2/1", report.Total, len(report.Rows))
	}
	if row := report.Rows[0]; row.EntityID != "m-1" || row.Attempts != 3 || !row.HasState {
		t.Fatalf("row = %+v", row)
	}
}

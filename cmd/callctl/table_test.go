package main

import (
	"strings"
	"testing"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/matching"
)

func TestNewTable_RightAlignsNumericColumns(t *testing.T) {
	tw := newTable(label("Name"), numeric("Count"))
	tw.AppendRow(table.Row{"a", 7})
	tw.AppendRow(table.Row{"longer", 12345})
	out := tw.Render()

	var row string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "│ a ") {
			row = line
		}
	}
	if row == "" {
		t.Fatalf("row not rendered:\n%s", out)
	}
	if !strings.Contains(row, "    7 │") {
		t.Errorf("expected the count right aligned, got %q", row)
	}
	if !strings.Contains(row, "│ a      │") {
		t.Errorf("expected the name left aligned, got %q", row)
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "-"},
		{now.Add(-42 * time.Second), "42s"},
		{now.Add(-185 * time.Second), "3m05s"},
		{now.Add(30 * time.Second), "in 30s"},
	}
	for _, tt := range tests {
		if got := formatAge(now, tt.at); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestRenderQueueSummary(t *testing.T) {
	entries := []matching.Entry{
		{Identity: "a", Gender: matching.GenderMale, Preference: matching.PreferFemale},
		{Identity: "b", Gender: matching.GenderMale, Preference: matching.PreferFemale},
		{Identity: "c", Gender: matching.GenderFemale, Preference: matching.PreferAny},
	}
	out := renderQueueSummary(entries)
	if !strings.Contains(out, "male -> female") || !strings.Contains(out, "female -> any") {
		t.Errorf("expected both groups, got:\n%s", out)
	}
}

func TestRenderOutcomes_Total(t *testing.T) {
	out := renderOutcomes(map[call.Outcome]int{
		call.OutcomeMatched:    1,
		call.OutcomeNotMatched: 3,
	})
	if !strings.Contains(out, "25.0%") || !strings.Contains(out, "75.0%") {
		t.Errorf("expected shares, got:\n%s", out)
	}
	if !strings.Contains(strings.ToLower(out), "total") || !strings.Contains(out, "4") {
		t.Errorf("expected a total footer, got:\n%s", out)
	}
}

func TestRenderSession(t *testing.T) {
	now := time.Now()
	sess := call.NewSession("s1", "alice", "bob", "", now, call.Timing{Duration: time.Minute})
	out := renderSession(sess, now)
	for _, want := range []string{"s1", "alice (initiator)", "bob", "active"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}
}

package audit

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/amishk599/jobfeed/internal/model"
)

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func testRuns() []model.Run {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []model.Run{
		{
			ID: "r1", FeedIdentity: "https://example.com/feed", CreatedAt: base,
			Planned: 3, TotalFetched: 3, TotalImported: 2, NewJobs: 2, FailedJobs: 1,
			Failures: []model.Failure{
				{Reason: "missing_external_id", Item: model.RawItem{"title": "No id", "link": "https://example.com/j/1"}, At: base},
			},
		},
		{
			ID: "r2", FeedIdentity: "https://broken.example.com/feed", CreatedAt: base.Add(time.Hour),
			FailedJobs: 1,
			Failures:   []model.Failure{{Reason: "fetch_error:HTTP 500", At: base.Add(time.Hour)}},
		},
	}
}

func sized(m auditModel) auditModel {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	return next.(auditModel)
}

func press(m auditModel, keys ...string) auditModel {
	for _, k := range keys {
		next, _ := m.Update(key(k))
		m = next.(auditModel)
	}
	return m
}

func TestRunStatus(t *testing.T) {
	tests := []struct {
		name string
		run  model.Run
		want string
	}{
		{"fetch failed", model.Run{FailedJobs: 1}, "fetch failed"},
		{"done", model.Run{Planned: 2, TotalImported: 1, FailedJobs: 1}, "done"},
		{"in progress", model.Run{Planned: 3, TotalImported: 1}, "in progress (1/3)"},
		{"empty feed", model.Run{}, "done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runStatus(tt.run); got != tt.want {
				t.Errorf("runStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderRunsAndFailures(t *testing.T) {
	runs := testRuns()
	out := renderRuns(runs, 0, true)
	if !strings.Contains(out, "https://example.com/feed") || !strings.Contains(out, "2 new") {
		t.Errorf("renderRuns output missing fields:\n%s", out)
	}
	if got := renderRuns(nil, 0, true); got != "  (no runs)" {
		t.Errorf("empty runs = %q", got)
	}

	out = renderFailures(runs[0].Failures, 0, false)
	if !strings.Contains(out, "missing_external_id") {
		t.Errorf("renderFailures output missing reason:\n%s", out)
	}
}

func TestAuditModelNavigatesToFailureDetail(t *testing.T) {
	m := sized(auditModel{runs: testRuns()})

	m = press(m, "tab", "enter")
	if m.view != viewDetail || m.detailFailure == nil {
		t.Fatalf("expected failure detail view, got view=%v failure=%v", m.view, m.detailFailure)
	}
	if m.detailFailure.Reason != "missing_external_id" {
		t.Errorf("detail failure = %+v", m.detailFailure)
	}
	if got := m.detailURL(); got != "https://example.com/j/1" {
		t.Errorf("detailURL = %q", got)
	}

	m = press(m, "r")
	if !m.showRaw || !strings.Contains(m.renderDetail(), `"title": "No id"`) {
		t.Errorf("raw item not shown:\n%s", m.renderDetail())
	}

	m = press(m, "esc")
	if m.view != viewList {
		t.Errorf("esc should return to the list")
	}
}

func TestAuditModelCursorSwitchesFailures(t *testing.T) {
	m := sized(auditModel{runs: testRuns()})

	m = press(m, "j")
	if m.leftCursor != 1 {
		t.Fatalf("leftCursor = %d, want 1", m.leftCursor)
	}
	if f := m.selectedFailures(); len(f) != 1 || f[0].Reason != "fetch_error:HTTP 500" {
		t.Errorf("selected failures = %+v", f)
	}

	m = press(m, "enter")
	if m.detailFailure != nil || m.detailRun.ID != "r2" {
		t.Errorf("expected run detail for r2, got %+v", m.detailRun)
	}
	if !strings.Contains(m.renderDetail(), "fetch failed") {
		t.Errorf("run detail missing status:\n%s", m.renderDetail())
	}
}

func TestAuditModelQuit(t *testing.T) {
	m := sized(auditModel{runs: testRuns()})
	if m = press(m, "q"); !m.wantQuit {
		t.Error("q should request quit")
	}
	m = sized(auditModel{runs: testRuns()})
	if m = press(m, "esc"); m.wantQuit {
		t.Error("esc should go back, not quit")
	}
}

func TestSortRunsByDate(t *testing.T) {
	runs := testRuns()
	sortRunsByDate(runs)
	if runs[0].ID != "r2" {
		t.Errorf("first run = %s, want newest r2", runs[0].ID)
	}
}

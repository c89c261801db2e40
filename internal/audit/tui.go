package audit

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amishk599/jobfeed/internal/model"
	"github.com/amishk599/jobfeed/internal/normalize"
)

const timeFormat = "2006-01-02 15:04 MST"

// Lines per item in the list panes (title + subtitle + blank separator).
const listItemHeight = 3

type viewState int

const (
	viewList viewState = iota
	viewDetail
)

var (
	activeBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("39")) // bright blue

	inactiveBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240")) // dim gray

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	activeHeaderStyle = headerStyle.
				Foreground(lipgloss.Color("39"))

	inactiveHeaderStyle = headerStyle.
				Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("236"))

	itemTitleStyle = lipgloss.NewStyle().
			Bold(true)

	itemSubtitleStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245"))

	selectedItemTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")). // bright white
				Background(lipgloss.Color("24"))  // dark blue bg

	selectedItemSubtitleStyle = lipgloss.NewStyle().
					Foreground(lipgloss.Color("252")).
					Background(lipgloss.Color("24"))

	detailLabelStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39")).
				Width(16)

	detailValueStyle = lipgloss.NewStyle()

	detailTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				MarginBottom(1)

	dividerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)

	rawBodyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type auditModel struct {
	runs          []model.Run
	leftViewport  viewport.Model
	rightViewport viewport.Model
	activePane    int // 0=runs, 1=failures
	leftCursor    int
	rightCursor   int
	width         int
	height        int
	ready         bool

	// Detail view state
	view           viewState
	detailRun      model.Run
	detailFailure  *model.Failure // nil when showing the run itself
	detailViewport viewport.Model
	showRaw        bool

	wantQuit bool
}

func (m auditModel) Init() tea.Cmd {
	return nil
}

func (m auditModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.recalcLayout()
		if m.view == viewDetail {
			m.detailViewport.Width = m.width - 4
			m.detailViewport.Height = m.height - 4
			m.detailViewport.SetContent(m.renderDetail())
		}
		return m, nil

	case tea.KeyMsg:
		if m.view == viewDetail {
			return m.updateDetailView(msg)
		}
		return m.updateListView(msg)
	}

	return m, nil
}

func (m auditModel) updateListView(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.wantQuit = true
		return m, tea.Quit
	case "esc", "b":
		m.wantQuit = false
		return m, tea.Quit
	case "tab", "left", "right":
		m.activePane = 1 - m.activePane
		m.recalcContent()
		return m, nil
	case "up", "k":
		m.moveCursor(-1)
		m.recalcContent()
		m.ensureCursorVisible()
		return m, nil
	case "down", "j":
		m.moveCursor(1)
		m.recalcContent()
		m.ensureCursorVisible()
		return m, nil
	case "enter":
		return m.openDetailView()
	}

	// Forward other keys (pgup/pgdn/home/end) to the active viewport.
	var cmd tea.Cmd
	if m.activePane == 0 {
		m.leftViewport, cmd = m.leftViewport.Update(msg)
	} else {
		m.rightViewport, cmd = m.rightViewport.Update(msg)
	}
	return m, cmd
}

func (m auditModel) updateDetailView(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.wantQuit = true
		return m, tea.Quit
	case "esc", "backspace":
		m.view = viewList
		return m, nil
	case "o":
		if u := m.detailURL(); u != "" {
			openURL(u)
		}
		return m, nil
	case "r":
		if m.detailFailure != nil && m.detailFailure.Item != nil {
			m.showRaw = !m.showRaw
			m.detailViewport.SetContent(m.renderDetail())
			m.detailViewport.SetYOffset(0)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.detailViewport, cmd = m.detailViewport.Update(msg)
	return m, cmd
}

func (m *auditModel) moveCursor(delta int) {
	if m.activePane == 0 {
		prev := m.leftCursor
		m.leftCursor = clamp(m.leftCursor+delta, 0, max(len(m.runs)-1, 0))
		if m.leftCursor != prev {
			m.rightCursor = 0
			m.rightViewport.SetYOffset(0)
		}
	} else {
		m.rightCursor = clamp(m.rightCursor+delta, 0, max(len(m.selectedFailures())-1, 0))
	}
}

func (m *auditModel) ensureCursorVisible() {
	var vp *viewport.Model
	var cursor int
	if m.activePane == 0 {
		vp = &m.leftViewport
		cursor = m.leftCursor
	} else {
		vp = &m.rightViewport
		cursor = m.rightCursor
	}

	cursorTop := cursor * listItemHeight
	cursorBottom := cursorTop + listItemHeight - 1

	if cursorTop < vp.YOffset {
		vp.SetYOffset(cursorTop)
	} else if cursorBottom >= vp.YOffset+vp.Height {
		vp.SetYOffset(cursorBottom - vp.Height + 1)
	}
}

func (m auditModel) selectedFailures() []model.Failure {
	if len(m.runs) == 0 {
		return nil
	}
	return m.runs[m.leftCursor].Failures
}

func (m auditModel) openDetailView() (tea.Model, tea.Cmd) {
	if len(m.runs) == 0 {
		return m, nil
	}

	m.detailRun = m.runs[m.leftCursor]
	m.detailFailure = nil
	if m.activePane == 1 {
		failures := m.selectedFailures()
		if len(failures) == 0 {
			return m, nil
		}
		f := failures[m.rightCursor]
		m.detailFailure = &f
	}

	m.view = viewDetail
	m.showRaw = false
	m.detailViewport = viewport.New(m.width-4, m.height-4)
	m.detailViewport.SetContent(m.renderDetail())
	return m, nil
}

// detailURL returns the link to open for the current detail view: the
// failed item's link, or the run's feed when it is a URL.
func (m auditModel) detailURL() string {
	if m.detailFailure != nil {
		if m.detailFailure.Item == nil {
			return ""
		}
		u, _ := normalize.Text(m.detailFailure.Item["link"])
		return u
	}
	if strings.HasPrefix(m.detailRun.FeedIdentity, "http://") || strings.HasPrefix(m.detailRun.FeedIdentity, "https://") {
		return m.detailRun.FeedIdentity
	}
	return ""
}

func (m *auditModel) recalcLayout() {
	// 2 border chars per pane + 1 gap between panes.
	paneWidth := max((m.width-5)/2, 20)

	// Header (1 line) + border top/bottom (2) + status bar (1) = 4 lines overhead.
	paneHeight := max(m.height-4, 5)

	if !m.ready {
		m.leftViewport = viewport.New(paneWidth, paneHeight)
		m.rightViewport = viewport.New(paneWidth, paneHeight)
		m.ready = true
	} else {
		m.leftViewport.Width = paneWidth
		m.leftViewport.Height = paneHeight
		m.rightViewport.Width = paneWidth
		m.rightViewport.Height = paneHeight
	}

	m.recalcContent()
}

func (m *auditModel) recalcContent() {
	m.leftViewport.SetContent(renderRuns(m.runs, m.leftCursor, m.activePane == 0))
	m.rightViewport.SetContent(renderFailures(m.selectedFailures(), m.rightCursor, m.activePane == 1))
}

func (m auditModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	if m.view == viewDetail {
		return m.viewDetail()
	}

	return m.viewList()
}

func (m auditModel) viewList() string {
	paneWidth := m.leftViewport.Width

	leftHeader := fmt.Sprintf(" Runs (%d)", len(m.runs))
	rightHeader := fmt.Sprintf(" Failures (%d)", len(m.selectedFailures()))

	var leftHeaderRendered, rightHeaderRendered string
	var leftBorder, rightBorder lipgloss.Style

	if m.activePane == 0 {
		leftHeaderRendered = activeHeaderStyle.Render(leftHeader)
		rightHeaderRendered = inactiveHeaderStyle.Render(rightHeader)
		leftBorder = activeBorderStyle.Width(paneWidth)
		rightBorder = inactiveBorderStyle.Width(paneWidth)
	} else {
		leftHeaderRendered = inactiveHeaderStyle.Render(leftHeader)
		rightHeaderRendered = activeHeaderStyle.Render(rightHeader)
		leftBorder = inactiveBorderStyle.Width(paneWidth)
		rightBorder = activeBorderStyle.Width(paneWidth)
	}

	leftPane := leftBorder.Render(m.leftViewport.View())
	rightPane := rightBorder.Render(m.rightViewport.View())

	headerRow := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(paneWidth+2).Render(leftHeaderRendered),
		" ",
		lipgloss.NewStyle().Width(paneWidth+2).Render(rightHeaderRendered),
	)

	panes := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, " ", rightPane)

	imported, failed := totals(m.runs)
	statusText := fmt.Sprintf(" %d runs | %d imported | %d failed    ←/→/Tab switch  ↑/↓ cursor  Enter detail  Esc back  q quit",
		len(m.runs), imported, failed)
	statusBar := statusBarStyle.Width(m.width).Render(statusText)

	return headerRow + "\n" + panes + "\n" + statusBar
}

func (m auditModel) viewDetail() string {
	title := detailTitleStyle.Render("Run Details")
	if m.detailFailure != nil {
		title = detailTitleStyle.Render("Failure Details")
	}

	border := activeBorderStyle.Width(m.width - 2)
	content := border.Render(m.detailViewport.View())

	statusText := " esc/backspace back  ↑/↓ scroll  q quit"
	if m.detailURL() != "" {
		statusText = " o open URL" + statusText
	}
	if m.detailFailure != nil && m.detailFailure.Item != nil {
		statusText = " r raw item" + statusText
	}
	statusBar := statusBarStyle.Width(m.width).Render(statusText)

	return title + "\n" + content + "\n" + statusBar
}

func (m auditModel) renderDetail() string {
	r := m.detailRun
	var b strings.Builder

	addField := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(detailLabelStyle.Render(label))
		b.WriteString(detailValueStyle.Render(value))
		b.WriteByte('\n')
	}

	addField("Run ID", r.ID)
	addField("Feed", r.FeedIdentity)
	addField("Reprocess Of", r.ReprocessJobID)
	addField("Created At", r.CreatedAt.Local().Format(timeFormat))
	addField("Status", runStatus(r))

	wrapWidth := max(m.width-8, 20)
	divider := func(label string) string {
		fill := strings.Repeat("─", max(wrapWidth-len(label), 3))
		return dividerStyle.Render(label + fill)
	}

	if m.detailFailure == nil {
		b.WriteByte('\n')
		b.WriteString(divider("── Counters ") + "\n\n")
		addField("Planned", fmt.Sprint(r.Planned))
		addField("Fetched", fmt.Sprint(r.TotalFetched))
		addField("Imported", fmt.Sprint(r.TotalImported))
		addField("New", fmt.Sprint(r.NewJobs))
		addField("Updated", fmt.Sprint(r.UpdatedJobs))
		addField("Failed", fmt.Sprint(r.FailedJobs))
		if n := len(r.Failures); n > 0 {
			b.WriteByte('\n')
			b.WriteString(hintStyle.Render(fmt.Sprintf("  %d failure entries, tab to browse them", n)) + "\n")
		}
		return b.String()
	}

	f := m.detailFailure
	b.WriteByte('\n')
	b.WriteString(divider("── Failure ") + "\n\n")
	addField("Reason", wordWrap(f.Reason, max(wrapWidth-16, 20)))
	addField("At", f.At.Local().Format(timeFormat))
	if f.Attempt > 0 {
		addField("Attempt", fmt.Sprint(f.Attempt))
	}
	if f.Retrying {
		addField("Retried", "yes, not counted as failed")
	}

	if f.Item == nil {
		b.WriteByte('\n')
		b.WriteString(hintStyle.Render("  no item in scope (feed-level failure)") + "\n")
		return b.String()
	}

	title, _ := normalize.Text(f.Item["title"])
	addField("Item Title", title)

	b.WriteByte('\n')
	if m.showRaw {
		b.WriteString(divider("── Raw Item ") + "\n\n")
		b.WriteString(rawBodyStyle.Render(prettyItem(f.Item)) + "\n")
	} else {
		b.WriteString(hintStyle.Render("  press r to show the raw item") + "\n")
	}

	return b.String()
}

func runStatus(r model.Run) string {
	switch {
	case r.Planned == 0 && r.FailedJobs > 0:
		return "fetch failed"
	case r.Done():
		return "done"
	default:
		return fmt.Sprintf("in progress (%d/%d)", r.TotalImported+r.FailedJobs, r.Planned)
	}
}

func totals(runs []model.Run) (imported, failed int) {
	for _, r := range runs {
		imported += r.TotalImported
		failed += r.FailedJobs
	}
	return imported, failed
}

func prettyItem(item model.RawItem) string {
	out, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", item)
	}
	return string(out)
}

func renderRuns(runs []model.Run, cursor int, isActive bool) string {
	if len(runs) == 0 {
		return "  (no runs)"
	}

	var b strings.Builder
	for i, r := range runs {
		isSelected := isActive && i == cursor

		titleSt := itemTitleStyle
		subtitleSt := itemSubtitleStyle
		prefix := "  "
		if isSelected {
			titleSt = selectedItemTitleStyle
			subtitleSt = selectedItemSubtitleStyle
			prefix = "> "
		}

		status := doneStyle.Render("●")
		if r.FailedJobs > 0 {
			status = failedStyle.Render("●")
		}

		b.WriteString(prefix)
		b.WriteString(status + " " + titleSt.Render(r.FeedIdentity))
		b.WriteByte('\n')

		b.WriteString(prefix)
		b.WriteString(subtitleSt.Render(fmt.Sprintf("%s · %d new · %d updated · %d failed · %s",
			r.CreatedAt.Local().Format("2006-01-02 15:04"), r.NewJobs, r.UpdatedJobs, r.FailedJobs, runStatus(r))))
		b.WriteByte('\n')

		if i < len(runs)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func renderFailures(failures []model.Failure, cursor int, isActive bool) string {
	if len(failures) == 0 {
		return "  (no failures)"
	}

	var b strings.Builder
	for i, f := range failures {
		isSelected := isActive && i == cursor

		titleSt := itemTitleStyle
		subtitleSt := itemSubtitleStyle
		prefix := "  "
		if isSelected {
			titleSt = selectedItemTitleStyle
			subtitleSt = selectedItemSubtitleStyle
			prefix = "> "
		}

		b.WriteString(prefix)
		b.WriteString(titleSt.Render(f.Reason))
		b.WriteByte('\n')

		sub := f.At.Local().Format("2006-01-02 15:04:05")
		if f.Attempt > 0 {
			sub += fmt.Sprintf(" · attempt %d", f.Attempt)
		}
		if f.Retrying {
			sub += " · retried"
		}
		b.WriteString(prefix)
		b.WriteString(subtitleSt.Render(sub))
		b.WriteByte('\n')

		if i < len(failures)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func sortRunsByDate(runs []model.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

func wordWrap(text string, width int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	var lines []string
	line := words[0]
	for _, w := range words[1:] {
		if len(line)+1+len(w) <= width {
			line += " " + w
		} else {
			lines = append(lines, line)
			line = w
		}
	}
	lines = append(lines, line)
	return strings.Join(lines, "\n")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// openURL opens url in the default system browser, fire-and-forget.
func openURL(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return
	}
	_ = cmd.Start()
}

// RunAuditTUI launches the interactive split-pane run browser: runs on the
// left, the selected run's failures on the right.
// Returns wantQuit=true if the user pressed q/ctrl+c, false if they pressed esc to return to the picker.
func RunAuditTUI(runs []model.Run) (bool, error) {
	sortRunsByDate(runs)

	m := auditModel{runs: runs}

	p := tea.NewProgram(m, tea.WithAltScreen())
	result, err := p.Run()
	if err != nil {
		return false, err
	}
	final := result.(auditModel)
	return final.wantQuit, nil
}

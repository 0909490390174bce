// Package tui provides the interactive bubbletea picker for ccsearch.
//
// Layout:
//
//	┌─────────────────────────────────────┐
//	│  ccsearch  session search            │  ← header
//	│  ❯ <query input>                     │  ← search bar
//	│  ─────────────────────────────────   │  ← divider
//	│  0.94  my-project  2h ago             │  ← results
//	│        ...fixed the auth bug...       │
//	│  ...                                  │
//	│  ─────────────────────────────────   │  ← divider
//	│  [3 results]  ↑↓ enter  esc  ^q      │  ← status bar
//	└─────────────────────────────────────┘
package tui

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/madzarm/ccsearch/internal/model"
	"github.com/madzarm/ccsearch/internal/searcher"
)

// ── Palette ──────────────────────────────────────────────────────────────────

var (
	colorAccent  = lipgloss.Color("#7C6AF7")
	colorDim     = lipgloss.Color("#555555")
	colorMuted   = lipgloss.Color("#888888")
	colorText    = lipgloss.Color("#DDDDDD")
	colorSubdued = lipgloss.Color("#444444")
	colorScore   = lipgloss.Color("#5ECEF5")
	colorErr     = lipgloss.Color("#FF6B6B")

	sTitle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sAccent = lipgloss.NewStyle().Foreground(colorAccent)
	sDim    = lipgloss.NewStyle().Foreground(colorDim)
	sMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	sScore  = lipgloss.NewStyle().Foreground(colorScore).Bold(true)
	sProj   = lipgloss.NewStyle().Foreground(colorText)
	sWhen   = lipgloss.NewStyle().Foreground(colorMuted)
	sSnip   = lipgloss.NewStyle().Foreground(colorMuted)
	sErr    = lipgloss.NewStyle().Foreground(colorErr)
	sSel    = lipgloss.NewStyle().
		Background(lipgloss.Color("#1E1A3A")).
		Foreground(colorText)
	sHint = lipgloss.NewStyle().
		Foreground(colorDim).
		Background(lipgloss.Color("#111111"))
	sDivider = lipgloss.NewStyle().Foreground(colorSubdued)
	sMatch   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type spinTickMsg struct{}

func spinTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg { return spinTickMsg{} })
}

// ── Messages ─────────────────────────────────────────────────────────────────

type (
	searchResultMsg []model.SearchResult
	errMsg          struct{ err error }
	debounceMsg     struct {
		query string
		id    int
	}
)

// ── Model ─────────────────────────────────────────────────────────────────────

// Model is the BubbleTea application model for the session picker.
type Model struct {
	ctx     context.Context
	search  *searcher.Searcher
	weights searcher.Weights
	filter  model.Filters
	limit   int

	input      textinput.Model
	results    []model.SearchResult
	cursor     int
	err        error
	width      int
	height     int
	searching  bool
	spinFrame  int
	debounceID int
	lastQuery  string

	// Resumed is set once the user selects a result; the caller execs
	// `claude --resume <id>` after the bubbletea runloop exits.
	Resumed string
}

// New creates a picker backed by a Searcher. limit bounds how many fused
// results are requested per keystroke.
func New(ctx context.Context, s *searcher.Searcher, w searcher.Weights, f model.Filters, limit int) Model {
	ti := textinput.New()
	ti.Placeholder = "search your sessions…"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60
	ti.PromptStyle = sAccent
	ti.Prompt = "❯ "
	ti.TextStyle = lipgloss.NewStyle().Foreground(colorText)

	return Model{
		ctx:     ctx,
		search:  s,
		weights: w,
		filter:  f,
		limit:   limit,
		input:   ti,
	}
}

// Init is the BubbleTea init hook.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, spinTick())
}

// Update processes messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = m.width - 8
		return m, nil

	case spinTickMsg:
		m.spinFrame = (m.spinFrame + 1) % len(spinnerFrames)
		return m, spinTick()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit

		case "esc":
			if m.input.Value() == "" {
				return m, tea.Quit
			}
			m.input.SetValue("")
			m.results = nil
			m.err = nil
			return m, nil

		case "up", "ctrl+p":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "ctrl+n":
			if m.cursor < len(m.results)-1 {
				m.cursor++
			}
			return m, nil

		case "enter":
			if len(m.results) > 0 {
				m.Resumed = m.results[m.cursor].ID
				return m, tea.Quit
			}
			return m, nil
		}

	case debounceMsg:
		if msg.id == m.debounceID && msg.query == m.input.Value() {
			if strings.TrimSpace(msg.query) == "" {
				m.searching = false
				m.results = nil
				return m, nil
			}
			m.searching = true
			m.lastQuery = msg.query
			return m, searchCmd(m.ctx, m.search, msg.query, m.filter, m.limit, m.weights)
		}
		return m, nil

	case searchResultMsg:
		m.searching = false
		m.results = []model.SearchResult(msg)
		m.cursor = 0
		m.err = nil
		return m, nil

	case errMsg:
		m.searching = false
		m.err = msg.err
		return m, nil
	}

	prevVal := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if m.input.Value() != prevVal {
		m.debounceID++
		id := m.debounceID
		q := m.input.Value()
		return m, tea.Batch(cmd, debounceCmd(q, id, 280*time.Millisecond))
	}
	return m, cmd
}

// ── Views ─────────────────────────────────────────────────────────────────────

func (m Model) View() string {
	if m.width == 0 {
		return ""
	}

	var b strings.Builder
	w := m.width
	divider := sDivider.Render(strings.Repeat("─", clamp(w-2, 10, 200)))

	left := "  " + sTitle.Render("ccsearch") + "  " + sMuted.Render("session search")
	fmt.Fprintln(&b, left)

	fmt.Fprintln(&b, "  "+m.input.View())
	fmt.Fprintln(&b, "  "+divider)

	switch {
	case m.err != nil:
		fmt.Fprintln(&b, sErr.Render("  error: "+m.err.Error()))
	case m.searching:
		frame := spinnerFrames[m.spinFrame]
		fmt.Fprintln(&b, "  "+sAccent.Render(frame)+"  "+sMuted.Render("searching…"))
	case len(m.results) == 0 && m.input.Value() == "":
		fmt.Fprintln(&b, "")
		fmt.Fprintln(&b, sMuted.Render("  Start typing to search your Claude Code history."))
	case len(m.results) == 0:
		fmt.Fprintln(&b, "")
		fmt.Fprintln(&b, sMuted.Render("  no results for ")+sAccent.Render("\""+m.lastQuery+"\""))
	default:
		bodyHeight := m.height - 7
		m.renderResults(&b, bodyHeight)
	}

	b.WriteString("\n  " + divider + "\n")
	m.renderStatusBar(&b)

	return b.String()
}

// renderSnippet styles the matched query token inside a snippet, returning
// both the styled text and the plain (delimiter-free) text so callers can
// still compute widths and padding against the visible length.
func renderSnippet(snippet string) (rendered, plain string) {
	before, matched, after, ok := searcher.SplitHighlight(snippet)
	if !ok {
		return sSnip.Render(snippet), snippet
	}
	plain = before + matched + after
	rendered = sSnip.Render(before) + sMatch.Render(matched) + sSnip.Render(after)
	return rendered, plain
}

func (m *Model) renderResults(b *strings.Builder, maxRows int) {
	maxResults := maxRows / 2
	if maxResults < 1 {
		maxResults = 1
	}

	for i, r := range m.results {
		if i >= maxResults {
			remaining := len(m.results) - i
			fmt.Fprintf(b, "  %s\n", sDim.Render(fmt.Sprintf("  … %d more results", remaining)))
			break
		}

		proj := "-"
		if r.Project != nil {
			proj = *r.Project
		}
		score := fmt.Sprintf("%.3f", r.FusedScore)
		when := formatAgo(time.Unix(r.LastMsgAt, 0))

		snippet := strings.Join(strings.Fields(r.Snippet), " ")
		maxSnip := clamp(m.width-8, 20, 160)
		renderedSnip, plainSnip := renderSnippet(snippet)
		if len(plainSnip) > maxSnip {
			plainSnip = plainSnip[:maxSnip-1] + "…"
			renderedSnip = sSnip.Render(plainSnip)
		}

		line1 := fmt.Sprintf("  %s  %s  %s", sScore.Render(score), sProj.Render(proj), sWhen.Render(when))
		line2 := fmt.Sprintf("        %s", renderedSnip)

		if i == m.cursor {
			raw1 := score + "  " + proj + "  " + when
			raw2 := "      " + plainSnip
			pad1 := clamp(m.width-len(raw1)-3, 0, m.width)
			pad2 := clamp(m.width-len(raw2)-3, 0, m.width)
			line1 = sSel.Render("  " + sScore.Render(score) + "  " + sProj.Render(proj) + "  " + sWhen.Render(when) + strings.Repeat(" ", pad1))
			line2 = sSel.Render("        " + renderedSnip + strings.Repeat(" ", pad2))
		}

		fmt.Fprintln(b, line1)
		fmt.Fprintln(b, line2)
	}
}

func (m *Model) renderStatusBar(b *strings.Builder) {
	var left string
	switch {
	case len(m.results) > 0:
		left = sAccent.Render(fmt.Sprintf("  %d result", len(m.results)))
		if len(m.results) != 1 {
			left += sAccent.Render("s")
		}
	case m.err != nil:
		left = "  " + sErr.Render(m.err.Error())
	default:
		left = sDim.Render("  no results")
	}

	right := sHint.Render("↑↓ nav  enter resume  esc clear  ^q quit  ")
	fmt.Fprint(b, padBetween(left, right, m.width))
}

// ── Commands ──────────────────────────────────────────────────────────────────

func debounceCmd(query string, id int, delay time.Duration) tea.Cmd {
	return func() tea.Msg {
		time.Sleep(delay)
		return debounceMsg{query: query, id: id}
	}
}

func searchCmd(ctx context.Context, s *searcher.Searcher, query string, f model.Filters, limit int, w searcher.Weights) tea.Cmd {
	return func() tea.Msg {
		results, err := s.Search(ctx, query, f, limit, w, true)
		if err != nil {
			return errMsg{err}
		}
		return searchResultMsg(results)
	}
}

// Resume spawns `claude --resume <id>` with stdio inherited from the
// current process, waits for it to exit, and returns its exit code.
func Resume(id string) (int, error) {
	cmd := exec.Command("claude", "--resume", id)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 1, err
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func padBetween(left, right string, width int) string {
	lv := visibleLen(left)
	rv := visibleLen(right)
	gap := width - lv - rv
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func visibleLen(s string) int {
	n := 0
	inEsc := false
	for _, c := range s {
		if c == '\x1b' {
			inEsc = true
		}
		if inEsc {
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				inEsc = false
			}
			continue
		}
		n++
	}
	return n
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

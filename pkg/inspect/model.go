package inspect

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"indexstore/pkg/primitives"
)

type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Open   key.Binding
	Back   key.Binding
	Reload key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "previous page"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "next page"),
	),
	Open: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "open page"),
	),
	Back: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "back to listing"),
	),
	Reload: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reload"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

var (
	titleStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#8B5CF6")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Bold(true).
			Padding(0, 2).
			MarginBottom(1)

	cursorStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#334155")).
			Foreground(lipgloss.Color("#F8FAFC")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#64748B"))

	deadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	errorStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#EF4444")).
			Foreground(lipgloss.Color("#F8FAFC")).
			Bold(true).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#1E293B")).
			Foreground(lipgloss.Color("#CBD5E1")).
			Padding(0, 1)
)

// Model is the page browser: a listing view over every block of the
// relation and a detail view rendering one page's items as hex.
type Model struct {
	reader *Reader

	view     string // "listing" or "page"
	cursor   int
	pages    []PageSummary
	detail   *PageDetail
	viewport viewport.Model
	width    int
	height   int
	err      error
}

func NewModel(reader *Reader) Model {
	return Model{
		reader:   reader,
		view:     "listing",
		viewport: viewport.New(80, 20),
	}
}

type pagesMsg struct {
	pages []PageSummary
	err   error
}

type detailMsg struct {
	detail *PageDetail
	err    error
}

func (m Model) Init() tea.Cmd {
	return m.loadPages
}

func (m Model) loadPages() tea.Msg {
	pages, err := m.reader.Summaries()
	return pagesMsg{pages: pages, err: err}
}

func (m Model) loadDetail(block primitives.BlockNumber) tea.Cmd {
	return func() tea.Msg {
		d, err := m.reader.Page(block)
		return detailMsg{detail: d, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = msg.Height - 6

	case pagesMsg:
		m.pages = msg.pages
		m.err = msg.err
		if m.cursor >= len(m.pages) {
			m.cursor = len(m.pages) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}

	case detailMsg:
		m.detail = msg.detail
		m.err = msg.err
		if msg.err == nil {
			m.view = "page"
			m.viewport.SetContent(renderDetail(m.detail))
			m.viewport.GotoTop()
		}

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, keys.Reload):
			if m.view == "page" && m.detail != nil {
				return m, m.loadDetail(m.detail.Block)
			}
			return m, m.loadPages

		case key.Matches(msg, keys.Back):
			m.view = "listing"
			m.detail = nil

		case key.Matches(msg, keys.Up):
			if m.view == "listing" && m.cursor > 0 {
				m.cursor--
			}

		case key.Matches(msg, keys.Down):
			if m.view == "listing" && m.cursor < len(m.pages)-1 {
				m.cursor++
			}

		case key.Matches(msg, keys.Open):
			if m.view == "listing" && len(m.pages) > 0 {
				return m, m.loadDetail(m.pages[m.cursor].Block)
			}
		}
	}

	if m.view == "page" {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("index page inspector"))
	b.WriteByte('\n')

	if m.err != nil {
		b.WriteString(errorStyle.Render(m.err.Error()))
		b.WriteByte('\n')
	}

	switch m.view {
	case "page":
		b.WriteString(m.viewport.View())
		b.WriteByte('\n')
		b.WriteString(statusStyle.Render("esc back · r reload · q quit"))
	default:
		b.WriteString(m.renderListing())
		b.WriteByte('\n')
		b.WriteString(statusStyle.Render("↑/↓ move · enter open · r reload · q quit"))
	}
	return b.String()
}

func (m Model) renderListing() string {
	if len(m.pages) == 0 {
		return mutedStyle.Render("no pages")
	}
	var b strings.Builder
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%6s  %-7s %6s %6s  %s", "block", "kind", "items", "free", "flags")))
	b.WriteByte('\n')

	visible := m.height - 8
	if visible < 5 {
		visible = 5
	}
	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}
	for i := start; i < len(m.pages) && i < start+visible; i++ {
		p := m.pages[i]
		line := fmt.Sprintf("%6d  %-7s %6d %6d  %s",
			p.Block, p.Kind, p.ItemCount, p.FreeSpace, strings.Join(p.Flags, ","))
		if i == m.cursor {
			line = cursorStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func renderDetail(d *PageDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "block %d  kind %s  lsn %d  items %d  free %d\n",
		d.Block, d.Kind, d.LSN, d.ItemCount, d.FreeSpace)
	if len(d.Flags) > 0 {
		fmt.Fprintf(&b, "flags: %s\n", strings.Join(d.Flags, ", "))
	}
	for _, it := range d.Items {
		b.WriteByte('\n')
		head := fmt.Sprintf("item %d  %d bytes", it.Off, len(it.Data))
		if it.Dead {
			head = deadStyle.Render(head + "  DEAD")
		}
		b.WriteString(head)
		b.WriteByte('\n')
		b.WriteString(HexDump(it.Data))
	}
	return b.String()
}

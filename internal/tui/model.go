package tui

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"docqa/internal/domain"
	"docqa/internal/textutil"
)

// AskPort is the TUI-facing subset of the assistant.
type AskPort interface {
	Ask(ctx context.Context, query string, history []domain.ConversationTurn) (domain.RetrievalContext, iter.Seq2[string, error], error)
}

type view int

const (
	viewAnswer view = iota
	viewSources
)

// answerStream is a pulled generation stream. next and stop are only called
// from the command goroutine that pulls it, never from Update.
type answerStream struct {
	ctx  context.Context
	next func() (string, error, bool)
	stop func()
}

type askStartedMsg struct {
	id     int
	query  string
	rc     domain.RetrievalContext
	stream *answerStream
	err    error
}

type chunkMsg struct {
	stream *answerStream
	chunk  string
}

type streamDoneMsg struct {
	stream *answerStream
	err    error
}

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	ctx      context.Context
	port     AskPort
	input    textinput.Model
	viewport viewport.Model
	summary  string
	status   string
	ready    bool
	mode     view

	history   []domain.ConversationTurn
	lastQuery string
	retrieved domain.RetrievalContext
	cursor    int
	answer    *strings.Builder
	stream    *answerStream
	failure   error

	// askID identifies the current question; results of older ones are dropped.
	askID  int
	cancel context.CancelFunc
}

// New creates a new TUI model instance.
func New(ctx context.Context, port AskPort, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:      ctx,
		port:     port,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Loaded. Ask about your documents. Tab toggles sources.",
		answer:   &strings.Builder{},
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// ask starts a question under its own cancelable context.
func (m *Model) ask(query string) tea.Cmd {
	m.askID++
	id := m.askID
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	port := m.port
	history := append([]domain.ConversationTurn(nil), m.history...)
	return func() tea.Msg {
		rc, seq, err := port.Ask(ctx, query, history)
		if err != nil {
			return askStartedMsg{id: id, query: query, err: err}
		}
		next, stop := iter.Pull2(seq)
		return askStartedMsg{id: id, query: query, rc: rc, stream: &answerStream{ctx: ctx, next: next, stop: stop}}
	}
}

func pull(s *answerStream) tea.Cmd {
	return func() tea.Msg {
		chunk, err, ok := s.next()
		if !ok {
			return streamDoneMsg{stream: s}
		}
		if err != nil || s.ctx.Err() != nil {
			s.stop()
			return streamDoneMsg{stream: s, err: err}
		}
		return chunkMsg{stream: s, chunk: chunk}
	}
}

// release stops a stream that has no pull in flight.
func release(s *answerStream) tea.Cmd {
	return func() tea.Msg {
		s.stop()
		return nil
	}
}

// abort cancels the current question. The pull in flight, if any, observes
// the cancellation and stops the stream itself.
func (m *Model) abort() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.stream = nil
	m.askID++
}

func (m Model) busy() bool { return m.cancel != nil }

// Update handles key, window and stream events and updates the view state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around result and query boxes
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header + summary, status, spacer
		vh := max(3, msg.Height-reserved)
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, vh-rh)
		m.refresh()
		return m, nil

	case askStartedMsg:
		if msg.id != m.askID {
			if msg.stream != nil {
				return m, release(msg.stream)
			}
			return m, nil
		}
		if msg.err != nil {
			m.abort()
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.lastQuery = msg.query
		m.retrieved = msg.rc
		m.cursor = 0
		m.answer = &strings.Builder{}
		m.failure = nil
		m.stream = msg.stream
		if msg.rc.Empty() {
			m.status = "No matching passages; answering without document context..."
		} else {
			m.status = fmt.Sprintf("Answering from %d passages (%s)...", len(msg.rc.Results), strings.Join(msg.rc.Sources, ", "))
		}
		m.refresh()
		return m, pull(msg.stream)

	case chunkMsg:
		if msg.stream != m.stream {
			return m, release(msg.stream)
		}
		m.answer.WriteString(msg.chunk)
		m.refresh()
		m.viewport.GotoBottom()
		return m, pull(m.stream)

	case streamDoneMsg:
		if msg.stream != m.stream {
			return m, nil
		}
		m.abort()
		if msg.err != nil {
			m.failure = msg.err
			m.status = "Error: " + msg.err.Error()
		} else {
			m.status = fmt.Sprintf("Answered %q", m.lastQuery)
			m.history = append(m.history,
				domain.ConversationTurn{Role: domain.RoleUser, Content: m.lastQuery},
				domain.ConversationTurn{Role: domain.RoleAssistant, Content: m.answer.String()})
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			m.abort()
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy() {
				return m, nil
			}
			m.input.SetValue("")
			m.status = fmt.Sprintf("Searching for %q...", q)
			cmd := m.ask(q)
			return m, cmd
		case "esc":
			if m.busy() {
				m.abort()
				m.status = "Stopped."
				m.refresh()
				return m, nil
			}
		case "tab":
			if m.mode == viewAnswer {
				m.mode = viewSources
			} else {
				m.mode = viewAnswer
			}
			m.refresh()
			return m, nil
		case "down":
			if m.mode == viewSources && len(m.retrieved.Results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.retrieved.Results)
				m.refresh()
				return m, nil
			}
		case "up":
			if m.mode == viewSources && len(m.retrieved.Results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.retrieved.Results)) % len(m.retrieved.Results)
				m.refresh()
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) refresh() {
	if m.mode == viewSources {
		m.viewport.SetContent(m.renderCurrentSource())
		return
	}
	m.viewport.SetContent(m.renderAnswer())
}

// View renders the TUI layout and the current answer or source.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Document Q&A")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	input := queryBoxStyle.Render(m.input.View())
	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	if m.failure != nil {
		statusStyle = statusStyle.Foreground(lipgloss.Color("9"))
	}
	status := statusStyle.Render(m.status)
	results := resultBoxStyle.Render(m.viewport.View())
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderAnswer() string {
	if m.lastQuery == "" {
		return "No answer yet."
	}
	var b strings.Builder
	b.WriteString(questionStyle.Render("Q: " + m.lastQuery))
	b.WriteString("\n\n")
	b.WriteString(m.answer.String())
	if m.failure != nil {
		b.WriteString("\n\n")
		b.WriteString(errorStyle.Render(m.failure.Error()))
	}
	if len(m.retrieved.Sources) > 0 {
		b.WriteString("\n\n")
		b.WriteString(sourceStyle.Render("Sources: " + strings.Join(m.retrieved.Sources, ", ")))
	}
	return b.String()
}

func (m Model) renderCurrentSource() string {
	results := m.retrieved.Results
	if len(results) == 0 {
		return "No sources for this answer."
	}
	r := results[m.cursor]
	title := fmt.Sprintf("Source %d/%d  %s chunk %d  score=%.3f",
		m.cursor+1, len(results), r.Chunk.SourceID, r.Chunk.Index+1, r.Score)
	body := highlightBestSentence(r.Chunk.Text, m.lastQuery)
	return title + "\n\n" + body
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	questionStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	sourceStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := textutil.Sentences(text)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx := 0
	bestScore := -1
	for i, s := range sentences {
		score := tokenOverlapScore(qTokens, s)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	out := make([]string, len(sentences))
	for i, sent := range sentences {
		if i == bestIdx {
			out[i] = highlightStyle.Render(sent)
		} else {
			out[i] = sent
		}
	}
	return strings.Join(out, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := textutil.ContentWords(s)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	seen := map[string]struct{}{}
	for _, t := range textutil.Words(sentence) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}

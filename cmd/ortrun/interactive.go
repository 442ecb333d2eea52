package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/ort-wasm/dispatch"
	"github.com/wippyai/ort-wasm/reference"
	"github.com/wippyai/ort-wasm/session"
	"github.com/wippyai/ort-wasm/tensor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// allOutputs is the fetch entry that requests every output.
const allOutputs = "(all outputs)"

type interactiveModel struct {
	ctx      context.Context
	rt       *runtimeFlags
	sf       *sessionFlags
	err      error
	be       dispatch.ComputeBackend
	sess     *session.Session
	model    *reference.Model
	filename string
	result   string
	fetches  []string
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

type modelState int

const (
	stateSelectFetch modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(ctx context.Context, rt *runtimeFlags, sf *sessionFlags, filename string) *interactiveModel {
	return &interactiveModel{
		ctx:      ctx,
		rt:       rt,
		sf:       sf,
		filename: filename,
		state:    stateSelectFetch,
	}
}

type loadedMsg struct {
	err   error
	be    dispatch.ComputeBackend
	sess  *session.Session
	model *reference.Model
}

type runResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadSession
}

func (m *interactiveModel) loadSession() tea.Msg {
	data, model, err := readModel(m.filename)
	if err != nil {
		return loadedMsg{err: err}
	}
	opts, err := m.sf.options()
	if err != nil {
		return loadedMsg{err: err}
	}
	be, err := m.rt.open(m.ctx)
	if err != nil {
		return loadedMsg{err: err}
	}
	sess, err := openSession(m.ctx, be, m.sf, data, opts)
	if err != nil {
		_ = be.Close(m.ctx)
		return loadedMsg{err: err}
	}
	return loadedMsg{be: be, sess: sess, model: model}
}

func (m *interactiveModel) close() {
	if m.sess != nil {
		_ = m.sess.Release(m.ctx)
		m.sess = nil
	}
	if m.be != nil {
		_ = m.be.Close(m.ctx)
		m.be = nil
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state != stateInputArgs || msg.String() == "ctrl+c" {
				m.close()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFetch && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFetch && m.selected < len(m.fetches)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFetch:
				if m.sess == nil {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.runSession
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.runSession

			case stateShowResult:
				m.state = stateSelectFetch
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFetch
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFetch
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.be = msg.be
		m.sess = msg.sess
		m.model = msg.model
		m.fetches = append([]string{allOutputs}, msg.sess.OutputNames()...)

	case runResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	names := m.sess.InputNames()
	m.inputs = make([]textinput.Model, len(names))
	for i, name := range names {
		ti := textinput.New()
		ti.Placeholder = "v1,v2,..."
		ti.Prompt = name + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) runSession() tea.Msg {
	names := m.sess.InputNames()
	feeds := make(map[string]*tensor.Tensor, len(names))
	for i, name := range names {
		t, err := buildInput(m.model, name, m.inputs[i].Value(), "", "")
		if err != nil {
			return runResultMsg{err: err}
		}
		feeds[name] = t
	}

	var fetches session.Fetches
	if f := m.fetches[m.selected]; f != allOutputs {
		fetches = session.Names(f)
	}
	out, err := m.sess.Run(m.ctx, feeds, fetches, nil)
	if err != nil {
		return runResultMsg{err: err}
	}

	var b strings.Builder
	for _, name := range m.sess.OutputNames() {
		t, ok := out[name]
		if !ok {
			continue
		}
		s, err := formatTensor(m.ctx, t)
		if err != nil {
			return runResultMsg{err: fmt.Errorf("output %s: %w", name, err)}
		}
		b.WriteString(name + ": " + s + "\n")
	}
	return runResultMsg{result: strings.TrimSuffix(b.String(), "\n")}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.sess == nil {
		return "Loading model..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("ORT Runner"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFetch:
		b.WriteString("Select the outputs to fetch:\n\n")
		for i, f := range m.fetches {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + m.formatOutput(f)))
			} else {
				b.WriteString("  " + m.formatOutput(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter run • q quit"))

	case stateInputArgs:
		b.WriteString(fmt.Sprintf("Feeding %s\n\n", nameStyle.Render(m.fetches[m.selected])))
		for i, name := range m.sess.InputNames() {
			b.WriteString(m.inputs[i].View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(m.describe(m.model.Inputs, name)))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter run • esc back"))

	case stateShowResult:
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", nameStyle.Render(m.fetches[m.selected])))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatOutput(name string) string {
	if name == allOutputs {
		return nameStyle.Render(name)
	}
	return nameStyle.Render(name) + " " + typeStyle.Render(m.describe(m.model.Outputs, name))
}

func (m *interactiveModel) describe(infos []reference.ValueInfo, name string) string {
	for _, info := range infos {
		if info.Name == name {
			return info.Type + " " + formatDims(info.Dims)
		}
	}
	return "?"
}

func runInteractive(ctx context.Context, rt *runtimeFlags, sf *sessionFlags, filename string) error {
	p := tea.NewProgram(newInteractiveModel(ctx, rt, sf, filename), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

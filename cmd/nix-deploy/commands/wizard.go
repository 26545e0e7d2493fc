// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bureau-foundation/nix-deploy/cmd/nix-deploy/cli"
)

// wizardKeyMap holds the create-target form bindings.
type wizardKeyMap struct {
	Next     key.Binding
	Previous key.Binding
	Submit   key.Binding
	Cancel   key.Binding
}

var defaultWizardKeys = wizardKeyMap{
	Next: key.NewBinding(
		key.WithKeys("tab", "down"),
		key.WithHelp("tab/↓", "next field"),
	),
	Previous: key.NewBinding(
		key.WithKeys("shift+tab", "up"),
		key.WithHelp("shift+tab/↑", "previous field"),
	),
	Submit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "next / save"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("esc", "ctrl+c"),
		key.WithHelp("esc", "cancel"),
	),
}

// wizardField is one labeled input of the form.
type wizardField struct {
	key      string
	label    string
	required bool
	input    textinput.Model
}

// wizardModel is the bubbletea form behind an interactive
// "config create-target".
type wizardModel struct {
	title     string
	fields    []wizardField
	focus     int
	keys      wizardKeyMap
	styles    *cli.Styles
	problem   string
	done      bool
	cancelled bool
}

// fieldDefinition describes a form field: key, label, placeholder, and
// whether it must be filled.
type fieldDefinition struct {
	key         string
	label       string
	placeholder string
	required    bool
}

var targetWizardFields = []fieldDefinition{
	{"host", "Host", "server.example.com", true},
	{"port", "SSH port", "22", false},
	{"user", "Remote user", "alice", true},
	{"identity_file", "Identity file", "~/.ssh/id_ed25519", false},
	{"proxy_jump", "Proxy jump", "bastion.example.com", false},
	{"platform", "Platform (auto, wsl, ubuntu, debian)", "auto", false},
	{"flake", "Flake", "github:me/dotfiles", true},
	{"profile", "Profile", "alice", false},
}

func newWizard(title string, definitions []fieldDefinition, initial map[string]string, styles *cli.Styles) wizardModel {
	model := wizardModel{title: title, keys: defaultWizardKeys, styles: styles}
	for _, definition := range definitions {
		input := textinput.New()
		input.Placeholder = definition.placeholder
		input.Prompt = "> "
		input.CharLimit = 256
		input.SetValue(initial[definition.key])
		model.fields = append(model.fields, wizardField{key: definition.key, label: definition.label, required: definition.required, input: input})
	}
	if len(model.fields) > 0 {
		model.fields[0].input.Focus()
	}
	return model
}

func (m wizardModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m wizardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if message, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(message, m.keys.Cancel):
			m.cancelled = true
			return m, tea.Quit
		case key.Matches(message, m.keys.Submit):
			if m.focus < len(m.fields)-1 {
				return m, m.moveFocus(1)
			}
			if missing := m.firstMissing(); missing >= 0 {
				m.problem = m.fields[missing].label + " is required"
				return m, m.setFocus(missing)
			}
			m.done = true
			return m, tea.Quit
		case key.Matches(message, m.keys.Next):
			return m, m.moveFocus(1)
		case key.Matches(message, m.keys.Previous):
			return m, m.moveFocus(-1)
		}
	}

	var cmd tea.Cmd
	m.fields[m.focus].input, cmd = m.fields[m.focus].input.Update(msg)
	return m, cmd
}

func (m *wizardModel) moveFocus(delta int) tea.Cmd {
	return m.setFocus((m.focus + delta + len(m.fields)) % len(m.fields))
}

func (m *wizardModel) setFocus(index int) tea.Cmd {
	m.fields[m.focus].input.Blur()
	m.focus = index
	return m.fields[m.focus].input.Focus()
}

// firstMissing returns the index of the first empty required field,
// or -1.
func (m wizardModel) firstMissing() int {
	for i, field := range m.fields {
		if field.required && strings.TrimSpace(field.input.Value()) == "" {
			return i
		}
	}
	return -1
}

func (m wizardModel) View() string {
	if m.done || m.cancelled {
		return ""
	}
	var view strings.Builder
	view.WriteString(m.styles.Heading(m.title) + "\n\n")
	for i, field := range m.fields {
		label := field.label
		if field.required {
			label += " *"
		}
		if i == m.focus {
			label = m.styles.Bold(label)
		}
		fmt.Fprintf(&view, "%s\n%s\n\n", label, field.input.View())
	}
	if m.problem != "" {
		view.WriteString(m.problem + "\n\n")
	}
	help := []string{}
	for _, binding := range []key.Binding{m.keys.Next, m.keys.Previous, m.keys.Submit, m.keys.Cancel} {
		help = append(help, binding.Help().Key+" "+binding.Help().Desc)
	}
	view.WriteString(m.styles.Faint(strings.Join(help, " · ")) + "\n")
	return view.String()
}

// Values returns the trimmed field values by key.
func (m wizardModel) Values() map[string]string {
	values := make(map[string]string, len(m.fields))
	for _, field := range m.fields {
		values[field.key] = strings.TrimSpace(field.input.Value())
	}
	return values
}

// runWizard shows the form on out, reading keys from in. Returns nil
// values when the operator cancels.
func runWizard(in io.Reader, out io.Writer, model wizardModel) (map[string]string, error) {
	program := tea.NewProgram(model, tea.WithInput(in), tea.WithOutput(out))
	final, err := program.Run()
	if err != nil {
		return nil, fmt.Errorf("running target wizard: %w", err)
	}
	result := final.(wizardModel)
	if result.cancelled {
		return nil, nil
	}
	return result.Values(), nil
}

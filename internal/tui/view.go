package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
)

var (
	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))

	focusedPaneStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))

	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

	footerStyle = lipgloss.NewStyle().Faint(true)

	attachStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))

	stateColors = map[execState]lipgloss.Style{
		statePending:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		stateRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		stateHealthy:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		stateUnhealthy: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		stateKilled:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		stateExited:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		stateDisabled:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

// layoutPanes recomputes viewport dimensions after a resize or a pane
// toggle.
func (m *Model) layoutPanes() {
	mainWidth := m.width - m.sidebarWidth - 4
	if mainWidth < 10 {
		mainWidth = 10
	}
	contentHeight := m.height - 3 // footer + borders
	if contentHeight < 3 {
		contentHeight = 3
	}

	logHeight := contentHeight
	healthHeight := 0
	if m.showHealth {
		healthHeight = contentHeight / 3
		logHeight = contentHeight - healthHeight
	}

	if !m.ready {
		m.logView = viewport.New(mainWidth, logHeight)
		m.healthView = viewport.New(mainWidth, max(healthHeight, 1))
	} else {
		m.logView.Width = mainWidth
		m.logView.Height = logHeight
		m.healthView.Width = mainWidth
		m.healthView.Height = max(healthHeight, 1)
	}
}

// refreshPanes re-renders the selected service's logs and health-check
// attempts into their viewports.
func (m *Model) refreshPanes() {
	v := m.current()
	if v == nil || !m.ready {
		return
	}

	content := v.logs.String()
	if m.wrap {
		content = lipgloss.NewStyle().Width(m.logView.Width).Render(content)
	}
	m.logView.SetContent(content)
	if m.followTail {
		m.logView.GotoBottom()
	}
	v.logsDirty = false

	if m.showHealth {
		m.healthView.SetContent(m.renderAttempts(v))
		m.healthView.GotoBottom()
		v.healthDirty = false
	}
}

func (m *Model) renderAttempts(v *serviceView) string {
	if !v.hasHealthCheck {
		return "no healthcheck configured"
	}
	if len(v.attempts) == 0 {
		return "no attempts yet"
	}

	var b strings.Builder
	for i, a := range v.attempts {
		if i > 0 {
			b.WriteString("\n")
		}
		status := "running"
		if a.finished {
			if a.success {
				status = "ok"
			} else {
				status = fmt.Sprintf("failed (exit %d)", a.exitCode)
			}
		}
		fmt.Fprintf(&b, "#%d %s — %s\n", a.id, a.command, status)
		if out := a.output.String(); out != "" {
			b.WriteString(out)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// View renders the full frame: sidebar, log pane, optional health pane, and
// the footer.
func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	sidebar := m.renderSidebar()
	main := m.renderMain()

	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, main)
	return lipgloss.JoinVertical(lipgloss.Left, body, m.renderFooter())
}

func (m Model) renderSidebar() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("services"))
	b.WriteString("\n")

	for i, id := range m.order {
		v := m.views[id]
		marker := "  "
		if i == m.selected {
			marker = "> "
		}

		line := marker + v.name
		badge := stateColors[v.state].Render(v.state.String())
		if v.state == stateExited {
			badge = stateColors[v.state].Render(fmt.Sprintf("EXITED(%d)", v.exitCode))
		}

		if i == m.selected {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line + "\n  " + badge)
		if len(v.ports) > 0 {
			var ports []string
			for _, p := range v.ports {
				ports = append(ports, fmt.Sprintf(":%d", p))
			}
			b.WriteString(footerStyle.Render(" " + strings.Join(ports, " ")))
		}
		b.WriteString("\n")
	}

	style := sidebarStyle
	if m.focus == focusServices {
		style = focusedPaneStyle
	}
	return style.Width(m.sidebarWidth).Height(m.height - 3).Render(b.String())
}

func (m Model) renderMain() string {
	v := m.current()
	title := ""
	if v != nil {
		title = v.name
	}

	logStyle := paneStyle
	if m.focus == focusLogs {
		logStyle = focusedPaneStyle
	}
	logPane := logStyle.Render(titleStyle.Render(title) + "\n" + m.logView.View())

	if !m.showHealth {
		return logPane
	}

	hcStyle := paneStyle
	if m.focus == focusHealth {
		hcStyle = focusedPaneStyle
	}
	hcPane := hcStyle.Render(titleStyle.Render("healthcheck") + "\n" + m.healthView.View())

	return lipgloss.JoinVertical(lipgloss.Left, logPane, hcPane)
}

func (m Model) renderFooter() string {
	if m.attachMode {
		return attachStyle.Render(" ATTACHED ") +
			footerStyle.Render(" keystrokes forwarded to service — esc+alt to detach")
	}
	help := " q quit · tab focus · a attach · d disable · r restart · R restart all · H healthcheck · w wrap · t tail"
	return footerStyle.Render(help)
}

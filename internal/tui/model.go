// Package tui renders the interactive terminal UI: a service sidebar, the
// selected service's log pane, an optional health-check pane, and an attach
// mode that forwards keystrokes to the service's PTY. All displayed state is
// reconstructed from the scheduler's event broadcast.
package tui

import (
	"context"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/benaskins/micromux/internal/bus"
	"github.com/benaskins/micromux/internal/service"
)

const (
	defaultSidebarWidth = 24
	minSidebarWidth     = 12
)

type focusArea int

const (
	focusServices focusArea = iota
	focusLogs
	focusHealth
)

// eventMsg wraps a scheduler event for the bubbletea loop.
type eventMsg struct {
	ev bus.Event
}

// Model is the bubbletea model for the supervisor UI.
type Model struct {
	bus  *bus.Bus
	quit context.CancelFunc

	order []string
	views map[string]*serviceView

	selected     int
	sidebarWidth int
	focus        focusArea
	attachMode   bool
	showHealth   bool
	followTail   bool
	wrap         bool

	logView    viewport.Model
	healthView viewport.Model

	width  int
	height int
	ready  bool
}

// New builds the model over the configured services. quit cancels the
// global shutdown context when the user exits.
func New(services []*service.Service, sidebarWidth int, b *bus.Bus, quit context.CancelFunc) Model {
	if sidebarWidth < minSidebarWidth {
		sidebarWidth = defaultSidebarWidth
	}

	m := Model{
		bus:          b,
		quit:         quit,
		views:        make(map[string]*serviceView, len(services)),
		sidebarWidth: sidebarWidth,
		followTail:   true,
	}
	for _, svc := range services {
		m.order = append(m.order, svc.ID)
		m.views[svc.ID] = newServiceView(svc)
	}
	return m
}

// Init starts listening for scheduler events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.EnterAltScreen, m.waitForEvent())
}

func (m Model) waitForEvent() tea.Cmd {
	ch := m.bus.UI()
	return func() tea.Msg {
		return eventMsg{ev: <-ch}
	}
}

func (m Model) current() *serviceView {
	if len(m.order) == 0 {
		return nil
	}
	return m.views[m.order[m.selected]]
}

// Update handles scheduler events, terminal resizes, and key input.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		apply(m.views, msg.ev)
		// Drain whatever else is already buffered before redrawing.
		for range 256 {
			select {
			case ev := <-m.bus.UI():
				apply(m.views, ev)
			default:
			}
		}
		m.refreshPanes()
		return m, m.waitForEvent()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layoutPanes()
		m.ready = true
		m.bus.Send(bus.ResizeAll{Cols: uint16(msg.Width), Rows: uint16(msg.Height)})
		m.refreshPanes()
		return m, nil

	case tea.KeyMsg:
		if m.attachMode {
			return m.updateAttach(msg)
		}
		return m.updateKeys(msg)
	}

	return m, nil
}

// updateAttach forwards keystrokes to the selected service. Esc+Alt leaves
// attach mode.
func (m Model) updateAttach(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyEsc && msg.Alt {
		m.attachMode = false
		return m, nil
	}
	if v := m.current(); v != nil {
		if data := keyToBytes(msg); data != nil {
			m.bus.Send(bus.SendInput{Service: v.id, Data: data})
		}
	}
	return m, nil
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc", "ctrl+c":
		m.quit()
		return m, tea.Quit

	case "tab":
		m.focus = m.nextFocus()

	case "a":
		m.attachMode = !m.attachMode

	case "H":
		m.showHealth = !m.showHealth
		if !m.showHealth && m.focus == focusHealth {
			m.focus = focusLogs
		}
		m.layoutPanes()
		m.refreshPanes()

	case "d":
		if v := m.current(); v != nil {
			if v.state == stateDisabled {
				m.bus.Send(bus.Enable{Service: v.id})
			} else {
				m.bus.Send(bus.Disable{Service: v.id})
			}
		}

	case "r":
		if v := m.current(); v != nil {
			if v.state == stateDisabled {
				m.bus.Send(bus.Enable{Service: v.id})
			}
			m.bus.Send(bus.Restart{Service: v.id})
		}

	case "R":
		m.bus.Send(bus.RestartAll{})

	case "k", "up":
		switch m.focus {
		case focusServices:
			if m.selected > 0 {
				m.selected--
				m.refreshPanes()
			}
		case focusLogs:
			m.followTail = false
			m.logView.LineUp(1)
		case focusHealth:
			m.healthView.LineUp(1)
		}

	case "j", "down":
		switch m.focus {
		case focusServices:
			if m.selected < len(m.order)-1 {
				m.selected++
				m.refreshPanes()
			}
		case focusLogs:
			m.logView.LineDown(1)
		case focusHealth:
			m.healthView.LineDown(1)
		}

	case "g":
		if m.focus == focusLogs {
			m.followTail = false
			m.logView.GotoTop()
		}
		if m.focus == focusHealth {
			m.healthView.GotoTop()
		}

	case "G":
		if m.focus == focusLogs {
			m.followTail = true
			m.logView.GotoBottom()
		}
		if m.focus == focusHealth {
			m.healthView.GotoBottom()
		}

	case "h", "left", "-":
		if m.sidebarWidth > minSidebarWidth {
			m.sidebarWidth -= 2
			m.layoutPanes()
			m.refreshPanes()
		}

	case "l", "right", "+":
		if m.sidebarWidth < m.width/2 {
			m.sidebarWidth += 2
			m.layoutPanes()
			m.refreshPanes()
		}

	case "w":
		m.wrap = !m.wrap
		m.refreshPanes()

	case "t":
		m.followTail = !m.followTail
		if m.followTail {
			m.logView.GotoBottom()
		}
	}

	return m, nil
}

func (m Model) nextFocus() focusArea {
	if m.showHealth {
		switch m.focus {
		case focusServices:
			return focusLogs
		case focusLogs:
			return focusHealth
		default:
			return focusServices
		}
	}
	if m.focus == focusServices {
		return focusLogs
	}
	return focusServices
}

package tui

import tea "github.com/charmbracelet/bubbletea"

// keyToBytes translates a key press into the byte sequence a terminal would
// send, for forwarding to an attached service's PTY. Control characters map
// to 0x01..0x1A, arrow keys to their ANSI sequences, and the Alt modifier
// prefixes ESC. Returns nil for keys with no byte representation.
func keyToBytes(msg tea.KeyMsg) []byte {
	var base []byte

	switch msg.Type {
	case tea.KeyRunes:
		base = []byte(string(msg.Runes))
	case tea.KeySpace:
		base = []byte{' '}
	case tea.KeyUp:
		base = []byte{0x1b, '[', 'A'}
	case tea.KeyDown:
		base = []byte{0x1b, '[', 'B'}
	case tea.KeyRight:
		base = []byte{0x1b, '[', 'C'}
	case tea.KeyLeft:
		base = []byte{0x1b, '[', 'D'}
	case tea.KeyHome:
		base = []byte{0x1b, '[', 'H'}
	case tea.KeyEnd:
		base = []byte{0x1b, '[', 'F'}
	case tea.KeyDelete:
		base = []byte{0x1b, '[', '3', '~'}
	default:
		// Control characters (including enter, tab, backspace, escape)
		// carry their byte value in the key type.
		if msg.Type >= 0 && msg.Type < 0x80 {
			base = []byte{byte(msg.Type)}
		}
	}

	if base == nil {
		return nil
	}
	if msg.Alt {
		return append([]byte{0x1b}, base...)
	}
	return base
}

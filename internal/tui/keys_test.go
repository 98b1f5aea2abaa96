package tui

import (
	"bytes"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func TestKeyToBytesRunes(t *testing.T) {
	got := keyToBytes(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if !bytes.Equal(got, []byte("x")) {
		t.Errorf("got %v", got)
	}
}

func TestKeyToBytesControl(t *testing.T) {
	cases := []struct {
		key  tea.KeyType
		want byte
	}{
		{tea.KeyCtrlA, 0x01},
		{tea.KeyCtrlC, 0x03},
		{tea.KeyCtrlZ, 0x1a},
		{tea.KeyEnter, '\r'},
		{tea.KeyTab, '\t'},
		{tea.KeyEsc, 0x1b},
		{tea.KeyBackspace, 0x7f},
	}
	for _, tc := range cases {
		got := keyToBytes(tea.KeyMsg{Type: tc.key})
		if !bytes.Equal(got, []byte{tc.want}) {
			t.Errorf("key %v: got %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestKeyToBytesArrows(t *testing.T) {
	cases := []struct {
		key  tea.KeyType
		want []byte
	}{
		{tea.KeyUp, []byte{0x1b, '[', 'A'}},
		{tea.KeyDown, []byte{0x1b, '[', 'B'}},
		{tea.KeyRight, []byte{0x1b, '[', 'C'}},
		{tea.KeyLeft, []byte{0x1b, '[', 'D'}},
	}
	for _, tc := range cases {
		got := keyToBytes(tea.KeyMsg{Type: tc.key})
		if !bytes.Equal(got, tc.want) {
			t.Errorf("key %v: got %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestKeyToBytesAltPrefix(t *testing.T) {
	got := keyToBytes(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("b"), Alt: true})
	if !bytes.Equal(got, []byte{0x1b, 'b'}) {
		t.Errorf("got %v", got)
	}
}

func TestKeyToBytesSpace(t *testing.T) {
	got := keyToBytes(tea.KeyMsg{Type: tea.KeySpace})
	if !bytes.Equal(got, []byte{' '}) {
		t.Errorf("got %v", got)
	}
}

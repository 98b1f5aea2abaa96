package supervisor

import (
	"reflect"
	"strings"
	"testing"

	"github.com/benaskins/micromux/internal/bus"
)

type logEvent struct {
	update bus.LogUpdateKind
	line   string
}

func collectInteractive(input string) []logEvent {
	var got []logEvent
	readInteractive(strings.NewReader(input), func(u bus.LogUpdateKind, l string) {
		got = append(got, logEvent{u, l})
	})
	return got
}

func collectLines(input string) []logEvent {
	var got []logEvent
	readLines(strings.NewReader(input), func(u bus.LogUpdateKind, l string) {
		got = append(got, logEvent{u, l})
	})
	return got
}

// replay applies the emitted events the way the UI does: Append adds a line,
// ReplaceLast overwrites the most recent one.
func replay(events []logEvent) []string {
	var lines []string
	for _, e := range events {
		if e.update == bus.ReplaceLast && len(lines) > 0 {
			lines[len(lines)-1] = e.line
		} else {
			lines = append(lines, e.line)
		}
	}
	return lines
}

func TestInteractiveSimpleLines(t *testing.T) {
	got := collectInteractive("one\ntwo\n")
	want := []logEvent{{bus.Append, "one"}, {bus.Append, "two"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInteractiveCRLFIsOneLine(t *testing.T) {
	got := collectInteractive("one\r\ntwo\r\n")
	want := []logEvent{{bus.Append, "one"}, {bus.Append, "two"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInteractiveProgressRedraw(t *testing.T) {
	// Each redraw flushes the previous frame as a replacement; the final
	// frame commits with the newline.
	got := collectInteractive("10%\r20%\r100%\n")
	want := []logEvent{
		{bus.ReplaceLast, "10%"},
		{bus.ReplaceLast, "20%"},
		{bus.Append, "100%"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	final := replay(got)
	if !reflect.DeepEqual(final, []string{"20%", "100%"}) {
		t.Errorf("replayed lines = %v", final)
	}
}

func TestInteractiveSpecExample(t *testing.T) {
	// "a\rb\n": the pending CR makes "a" the replace flush, then "b" appends.
	got := collectInteractive("a\rb\n")
	want := []logEvent{{bus.ReplaceLast, "a"}, {bus.Append, "b"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	final := replay(got)
	if len(final) != 2 || final[1] != "b" {
		t.Errorf("replayed lines = %v, want two lines ending in b", final)
	}
}

func TestInteractiveEOFFlushes(t *testing.T) {
	got := collectInteractive("partial")
	want := []logEvent{{bus.Append, "partial"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got = collectInteractive("spinner\r")
	want = []logEvent{{bus.ReplaceLast, "spinner"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInteractiveEmptyFlushesSkipped(t *testing.T) {
	if got := collectInteractive("\r\r\n\n"); got != nil {
		t.Errorf("expected no events for control-only input, got %v", got)
	}
}

func TestLineModeStripsTrailing(t *testing.T) {
	got := collectLines("one\r\ntwo\nlast")
	want := []logEvent{
		{bus.Append, "one"},
		{bus.Append, "two"},
		{bus.Append, "last"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLineModeKeepsBlankLines(t *testing.T) {
	got := collectLines("a\n\nb\n")
	want := []logEvent{
		{bus.Append, "a"},
		{bus.Append, ""},
		{bus.Append, "b"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStripEraseLine(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"\x1b[Kcleared", "cleared"},
		{"\x1b[2Kcleared", "cleared"},
		{"before\x1b[0Kafter", "beforeafter"},
		{"\x1b[31mred\x1b[0m", "\x1b[31mred\x1b[0m"}, // color codes untouched
		{"\x1b[123Kx\x1b[Ky", "xy"},
		{"\x1b[", "\x1b["}, // truncated sequence passes through
	}
	for _, tc := range cases {
		if got := stripEraseLine(tc.in); got != tc.want {
			t.Errorf("stripEraseLine(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInteractiveStripsEraseInLine(t *testing.T) {
	got := collectInteractive("10%\r\x1b[K20%\n")
	want := []logEvent{
		{bus.ReplaceLast, "10%"},
		{bus.Append, "20%"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

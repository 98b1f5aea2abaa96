package supervisor

import (
	"bufio"
	"io"
	"strings"

	"github.com/benaskins/micromux/internal/bus"
)

// emitFunc receives each flushed log line together with its update kind.
type emitFunc func(update bus.LogUpdateKind, line string)

// stripEraseLine removes CSI erase-in-line sequences (ESC '[' digits? 'K')
// from s, leaving everything else untouched.
func stripEraseLine(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}

	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '[' {
			j := i + 2
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			if j < len(s) && s[j] == 'K' {
				i = j + 1
				continue
			}
		}
		out.WriteByte(s[i])
		i++
	}

	return out.String()
}

// readLines consumes r line by line, stripping trailing newline characters
// and erase-line sequences, and emits each line as an append. Used for
// non-interactive logs and for the pipe fallback.
func readLines(r io.Reader, emit emitFunc) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" || err == nil {
			emit(bus.Append, stripEraseLine(line))
		}
		if err != nil {
			return
		}
	}
}

// readInteractive consumes raw bytes from r and applies carriage-return
// rewrite semantics: a line flushed because output continued after a bare
// '\r' replaces the previously rendered line instead of appending, which is
// how terminal progress bars redraw.
func readInteractive(r io.Reader, emit emitFunc) {
	var (
		buf       = make([]byte, 4096)
		line      []byte
		pendingCR bool
	)

	flush := func(update bus.LogUpdateKind) {
		if len(line) == 0 {
			return
		}
		emit(update, stripEraseLine(string(line)))
		line = line[:0]
	}

	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if pendingCR {
				if b == '\n' {
					flush(bus.Append)
					pendingCR = false
					continue
				}
				flush(bus.ReplaceLast)
				pendingCR = false
			}

			switch b {
			case '\n':
				flush(bus.Append)
			case '\r':
				pendingCR = true
			default:
				line = append(line, b)
			}
		}
		if err != nil {
			if pendingCR {
				flush(bus.ReplaceLast)
			} else {
				flush(bus.Append)
			}
			return
		}
	}
}

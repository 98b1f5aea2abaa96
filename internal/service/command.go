package service

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Command normalization accepts the compose-style forms:
//
//	["CMD", prog, args...]        exec form
//	["CMD-SHELL", rest...]        shell form, joined and run via the shell
//	[prog, args...]               plain sequence
//	"prog args"                   string, split with POSIX quoting rules
//	"CMD-SHELL rest"              string shell form, rest passed verbatim
var (
	ErrEmptyCommand = errors.New("empty command")
)

// NormalizeSequence resolves a sequence-form command.
func NormalizeSequence(parts []string) (Command, error) {
	if len(parts) == 0 {
		return Command{}, ErrEmptyCommand
	}

	switch parts[0] {
	case "CMD":
		rest := parts[1:]
		if len(rest) == 0 {
			return Command{}, fmt.Errorf("CMD form: %w", ErrEmptyCommand)
		}
		return Command{Program: rest[0], Args: rest[1:]}, nil
	case "CMD-SHELL":
		rest := parts[1:]
		if len(rest) == 0 {
			return Command{}, fmt.Errorf("CMD-SHELL form: %w", ErrEmptyCommand)
		}
		return shellCommand(strings.Join(rest, " ")), nil
	default:
		return Command{Program: parts[0], Args: parts[1:]}, nil
	}
}

// NormalizeString resolves a string-form command. A "CMD-SHELL " prefix
// passes the remainder verbatim to the shell; anything else is split with
// POSIX shell-quoting rules.
func NormalizeString(raw string) (Command, error) {
	if rest, ok := strings.CutPrefix(raw, "CMD-SHELL "); ok {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return Command{}, fmt.Errorf("CMD-SHELL form: %w", ErrEmptyCommand)
		}
		return shellCommand(rest), nil
	}

	parts, err := Split(raw)
	if err != nil {
		return Command{}, fmt.Errorf("command %q: %w", raw, err)
	}
	if len(parts) == 0 {
		return Command{}, ErrEmptyCommand
	}
	return Command{Program: parts[0], Args: parts[1:]}, nil
}

func shellCommand(script string) Command {
	if runtime.GOOS == "windows" {
		return Command{Program: "cmd.exe", Args: []string{"/S", "/C", script}}
	}
	return Command{Program: "sh", Args: []string{"-c", script}}
}

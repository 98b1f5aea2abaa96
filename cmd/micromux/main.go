package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/micromux/internal/bus"
	"github.com/benaskins/micromux/internal/config"
	"github.com/benaskins/micromux/internal/graph"
	"github.com/benaskins/micromux/internal/logging"
	"github.com/benaskins/micromux/internal/scheduler"
	"github.com/benaskins/micromux/internal/supervisor"
	"github.com/benaskins/micromux/internal/tui"
)

var version = "dev"

var (
	flagConfig        string
	flagStrict        bool
	flagColor         string
	flagVerbose       int
	flagQuiet         int
	flagLogLevel      string
	flagLogFile       string
	flagNoInteractive bool
)

var rootCmd = &cobra.Command{
	Use:   "micromux",
	Short: "foreground process supervisor with a terminal UI",
	Long: `micromux runs the services declared in micromux.yaml as PTY-attached
child processes, enforcing dependency order, health checks, and restart
policies, with a live terminal UI for logs and control.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.Flags().BoolVar(&flagStrict, "strict", false, "enable strict mode")
	rootCmd.Flags().StringVar(&flagColor, "color", "auto", "color output: auto, always, or never")
	rootCmd.Flags().CountVarP(&flagVerbose, "verbose", "v", "increase logging verbosity")
	rootCmd.Flags().CountVarP(&flagQuiet, "quiet", "q", "decrease logging verbosity")
	rootCmd.Flags().StringVar(&flagLogLevel, "log", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "alias for --log")
	rootCmd.Flags().StringVar(&flagLogFile, "log-file", "", "log file path")
	rootCmd.Flags().BoolVar(&flagNoInteractive, "no-interactive-logs", false,
		"disable carriage-return progress handling in logs")

	_ = rootCmd.Flags().MarkHidden("no-interactive-logs")
}

// applyEnvOverrides fills flags from MICROMUX_* variables when the flag was
// not set on the command line.
func applyEnvOverrides(cmd *cobra.Command) error {
	if !cmd.Flags().Changed("strict") {
		if raw, ok := os.LookupEnv("MICROMUX_STRICT"); ok {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("invalid MICROMUX_STRICT %q", raw)
			}
			flagStrict = v
		}
	}
	if !cmd.Flags().Changed("color") {
		if raw, ok := os.LookupEnv("MICROMUX_COLOR"); ok {
			flagColor = raw
		}
	}
	if !cmd.Flags().Changed("log") && !cmd.Flags().Changed("log-level") {
		if raw, ok := os.LookupEnv("MICROMUX_LOG_LEVEL"); ok {
			flagLogLevel = raw
		}
	}
	if !cmd.Flags().Changed("log-file") {
		if raw, ok := os.LookupEnv("MICROMUX_LOG_FILE"); ok {
			flagLogFile = raw
		}
	}
	return nil
}

// applyColorChoice translates --color into the environment conventions the
// terminal stack honors.
func applyColorChoice(choice string) error {
	switch choice {
	case "auto", "":
		return nil
	case "always":
		return os.Setenv("CLICOLOR_FORCE", "1")
	case "never":
		return os.Setenv("NO_COLOR", "1")
	default:
		return fmt.Errorf("invalid --color %q (expected auto, always, or never)", choice)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if err := applyEnvOverrides(cmd); err != nil {
		return err
	}
	if err := applyColorChoice(flagColor); err != nil {
		return err
	}

	logCloser, err := logging.Setup(logging.Options{
		Level:   flagLogLevel,
		Verbose: flagVerbose,
		Quiet:   flagQuiet,
		File:    flagLogFile,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	configPath := flagConfig
	if configPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		configPath, err = config.Discover(cwd)
		if err != nil {
			return err
		}
		if configPath == "" {
			return fmt.Errorf("no config file found (looked for micromux.yaml in %s)", cwd)
		}
	}

	cfg, err := config.Load(configPath, flagStrict, slog.Default())
	if err != nil {
		return err
	}

	g, err := graph.New(cfg.Services)
	if err != nil {
		return err
	}

	slog.Info("configuration loaded", "path", cfg.Path, "services", len(cfg.Services))

	// The shutdown context is cancelled by Ctrl-C, SIGTERM, or the UI's
	// quit key; every supervisor and health check hangs off it.
	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdown, cancel := context.WithCancel(signalCtx)
	defer cancel()

	size := supervisor.DefaultSize
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		size = supervisor.Size{Cols: uint16(w), Rows: uint16(h)}
	}

	b := bus.New(bus.DefaultCapacity)
	sched := scheduler.New(cfg.Services, g, b,
		scheduler.WithInteractiveLogs(!flagNoInteractive),
		scheduler.WithPTYSize(size),
	)

	// The running config is immutable; just tell the user when the file
	// changes under us.
	go func() {
		_ = config.Watch(shutdown, cfg.Path, func() {
			slog.Warn("config file changed on disk; restart micromux to apply", "path", cfg.Path)
		})
	}()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(shutdown)
	}()

	program := tea.NewProgram(tui.New(cfg.Services, cfg.UI.Width, b, cancel))
	go func() {
		<-shutdown.Done()
		program.Quit()
	}()

	_, uiErr := program.Run()
	cancel()

	return errors.Join(uiErr, <-schedErr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

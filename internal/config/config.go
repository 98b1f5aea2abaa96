// Package config loads and validates the micromux YAML configuration,
// producing the immutable service table the scheduler runs on. All
// validation failures here are fatal and happen before the scheduler starts.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/benaskins/micromux/internal/env"
	"github.com/benaskins/micromux/internal/service"
)

// Config is the fully resolved configuration of one run.
type Config struct {
	Path string
	Dir  string
	UI   UI
	// Services holds the service table in declaration order, which is also
	// the scheduling-pass order.
	Services []*service.Service
}

// UI carries display preferences.
type UI struct {
	Width int `yaml:"width"`
}

// file mirrors the YAML document structure.
type file struct {
	Version  yaml.Node `yaml:"version"`
	UI       UI         `yaml:"ui"`
	Services serviceMap `yaml:"services"`
}

// serviceMap preserves the declaration order of the services mapping,
// which plain map decoding would lose.
type serviceMap struct {
	names []string
	items map[string]*serviceConfig
}

func (m *serviceMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("services must be a mapping")
	}
	m.items = make(map[string]*serviceConfig)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name string
		if err := node.Content[i].Decode(&name); err != nil {
			return fmt.Errorf("service name: %w", err)
		}
		if _, dup := m.items[name]; dup {
			return fmt.Errorf("duplicate service %q", name)
		}
		sc := &serviceConfig{}
		if err := node.Content[i+1].Decode(sc); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		m.names = append(m.names, name)
		m.items[name] = sc
	}
	return nil
}

type serviceConfig struct {
	Name        string          `yaml:"name"`
	Command     commandField    `yaml:"command"`
	WorkingDir  string          `yaml:"working_dir"`
	Cwd         string          `yaml:"cwd"`
	Directory   string          `yaml:"directory"`
	Environment envField        `yaml:"environment"`
	EnvFile     envFileField    `yaml:"env_file"`
	DependsOn   dependsOnField  `yaml:"depends_on"`
	Ports       []portField     `yaml:"ports"`
	Restart     string          `yaml:"restart"`
	Color       *bool           `yaml:"color"`
	HealthCheck *healthCheckCfg `yaml:"healthcheck"`
}

type healthCheckCfg struct {
	Test         commandField `yaml:"test"`
	StartDelay   *Duration    `yaml:"start_delay"`
	StartupDelay *Duration    `yaml:"startup_delay"`
	InitialDelay *Duration    `yaml:"initial_delay"`
	Interval     *Duration    `yaml:"interval"`
	Timeout      *Duration    `yaml:"timeout"`
	Retries      int          `yaml:"retries"`
}

// commandField accepts a string (shell-split, with the CMD-SHELL prefix
// escape) or a sequence (plain, CMD, or CMD-SHELL forms).
type commandField struct {
	cmd service.Command
	set bool
}

func (c *commandField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		cmd, err := service.NormalizeString(raw)
		if err != nil {
			return err
		}
		c.cmd, c.set = cmd, true
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := node.Decode(&parts); err != nil {
			return fmt.Errorf("command sequence entries must be strings: %w", err)
		}
		cmd, err := service.NormalizeSequence(parts)
		if err != nil {
			return err
		}
		c.cmd, c.set = cmd, true
		return nil
	default:
		return fmt.Errorf("command must be a string or a sequence")
	}
}

// envField preserves declaration order of the environment mapping.
type envField struct {
	pairs [][2]string
}

func (e *envField) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("environment must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key, value string
		if err := node.Content[i].Decode(&key); err != nil {
			return err
		}
		if err := node.Content[i+1].Decode(&value); err != nil {
			// Allow numbers and booleans as values.
			var raw any
			if err2 := node.Content[i+1].Decode(&raw); err2 != nil {
				return err
			}
			value = fmt.Sprintf("%v", raw)
		}
		e.pairs = append(e.pairs, [2]string{key, value})
	}
	return nil
}

// envFileField accepts a string, a {path} mapping, or a sequence of either.
type envFileField struct {
	paths []string
}

func (e *envFileField) UnmarshalYAML(node *yaml.Node) error {
	item := func(n *yaml.Node) (string, error) {
		switch n.Kind {
		case yaml.ScalarNode:
			var s string
			return s, n.Decode(&s)
		case yaml.MappingNode:
			var m struct {
				Path string `yaml:"path"`
			}
			if err := n.Decode(&m); err != nil {
				return "", err
			}
			if m.Path == "" {
				return "", fmt.Errorf("env_file entry missing path")
			}
			return m.Path, nil
		default:
			return "", fmt.Errorf("env_file entries must be a string or a mapping with a path")
		}
	}

	if node.Kind == yaml.SequenceNode {
		for _, n := range node.Content {
			p, err := item(n)
			if err != nil {
				return err
			}
			e.paths = append(e.paths, p)
		}
		return nil
	}
	p, err := item(node)
	if err != nil {
		return err
	}
	e.paths = []string{p}
	return nil
}

// dependsOnField accepts a sequence of service names or of
// {name, condition} mappings.
type dependsOnField struct {
	deps []service.Dependency
}

func (d *dependsOnField) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("depends_on must be a sequence")
	}
	for _, n := range node.Content {
		switch n.Kind {
		case yaml.ScalarNode:
			var name string
			if err := n.Decode(&name); err != nil {
				return err
			}
			d.deps = append(d.deps, service.Dependency{Name: name, Condition: service.Started})
		case yaml.MappingNode:
			var m struct {
				Name      string `yaml:"name"`
				Condition string `yaml:"condition"`
			}
			if err := n.Decode(&m); err != nil {
				return err
			}
			if m.Name == "" {
				return fmt.Errorf("depends_on entries must have a name")
			}
			cond, err := parseCondition(m.Condition)
			if err != nil {
				return err
			}
			d.deps = append(d.deps, service.Dependency{Name: m.Name, Condition: cond})
		default:
			return fmt.Errorf("depends_on entries must be strings or mappings")
		}
	}
	return nil
}

func parseCondition(raw string) (service.Condition, error) {
	switch strings.TrimSpace(raw) {
	case "", "service_started", "service-started", "ServiceStarted", "started":
		return service.Started, nil
	case "service_healthy", "service-healthy", "ServiceHealthy", "healthy":
		return service.Healthy, nil
	case "service_completed_successfully", "service-completed-successfully",
		"ServiceCompletedSuccessfully", "completed":
		return service.CompletedSuccessfully, nil
	default:
		return 0, fmt.Errorf("unknown depends_on condition %q", raw)
	}
}

// portField accepts numeric scalars or numeric strings.
type portField uint16

func (p *portField) UnmarshalYAML(node *yaml.Node) error {
	var decoded any
	if err := node.Decode(&decoded); err != nil || node.Kind != yaml.ScalarNode {
		return fmt.Errorf("ports entries must be scalars")
	}
	raw := fmt.Sprintf("%v", decoded)
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q", raw)
	}
	*p = portField(n)
	return nil
}

func parseRestart(raw string) (service.RestartPolicy, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch normalized {
	case "":
		return service.RestartPolicy{Kind: service.Never}, nil
	case "always":
		return service.RestartPolicy{Kind: service.Always}, nil
	case "unless-stopped", "unless_stopped":
		return service.RestartPolicy{Kind: service.UnlessStopped}, nil
	case "never", "no":
		return service.RestartPolicy{Kind: service.Never}, nil
	}

	rest, ok := strings.CutPrefix(normalized, "on-failure")
	if !ok {
		rest, ok = strings.CutPrefix(normalized, "on_failure")
	}
	if ok {
		rest = strings.TrimSpace(strings.TrimLeft(rest, ":="))
		attempts := 1
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n < 0 {
				return service.RestartPolicy{}, fmt.Errorf("invalid restart policy %q", raw)
			}
			attempts = n
		}
		return service.RestartPolicy{Kind: service.OnFailure, MaxAttempts: attempts}, nil
	}

	return service.RestartPolicy{}, fmt.Errorf("invalid restart policy %q", raw)
}

// checkVersion enforces the version field: 1 (also "v1", "V1", "latest");
// absence is a warning, or an error under strict mode.
func checkVersion(node yaml.Node, strict bool, logger *slog.Logger) error {
	if node.IsZero() {
		if strict {
			return fmt.Errorf("missing version (strict mode); add `version: 1`")
		}
		logger.Warn("no version is specified - assuming version 1")
		return nil
	}
	var decoded any
	if err := node.Decode(&decoded); err != nil {
		return fmt.Errorf("version must be a scalar")
	}
	version := strings.TrimSpace(fmt.Sprintf("%v", decoded))
	switch version {
	case "1", "1.0", "v1", "V1", "latest":
		return nil
	default:
		return fmt.Errorf("unsupported config version %q (expected 1)", version)
	}
}

// Load reads, parses, and resolves the configuration file.
func Load(path string, strict bool, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := checkVersion(f.Version, strict, logger); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if len(f.Services.names) == 0 {
		return nil, fmt.Errorf("config %s: no services defined", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)

	cfg := &Config{
		Path: abs,
		Dir:  dir,
		UI:   f.UI,
	}

	for _, name := range f.Services.names {
		svc, err := buildService(name, f.Services.items[name], dir)
		if err != nil {
			return nil, fmt.Errorf("config %s: service %q: %w", path, name, err)
		}
		cfg.Services = append(cfg.Services, svc)
	}

	return cfg, nil
}

func buildService(id string, sc *serviceConfig, dir string) (*service.Service, error) {
	if !sc.Command.set {
		return nil, fmt.Errorf("missing command")
	}

	displayName := sc.Name
	if displayName == "" {
		displayName = id
	}

	workingDir := sc.WorkingDir
	if workingDir == "" {
		workingDir = sc.Cwd
	}
	if workingDir == "" {
		workingDir = sc.Directory
	}
	if workingDir != "" {
		resolved, err := env.ResolvePath(dir, workingDir)
		if err != nil {
			return nil, fmt.Errorf("working_dir: %w", err)
		}
		workingDir = resolved
	}

	environ, err := resolveEnvironment(sc, dir)
	if err != nil {
		return nil, err
	}

	restart, err := parseRestart(sc.Restart)
	if err != nil {
		return nil, err
	}

	var hc *service.HealthCheck
	if sc.HealthCheck != nil {
		hc, err = buildHealthCheck(sc.HealthCheck)
		if err != nil {
			return nil, fmt.Errorf("healthcheck: %w", err)
		}
	}

	ports := make([]uint16, 0, len(sc.Ports))
	for _, p := range sc.Ports {
		ports = append(ports, uint16(p))
	}

	enableColor := true
	if sc.Color != nil {
		enableColor = *sc.Color
	}

	return &service.Service{
		ID:          id,
		DisplayName: displayName,
		Command:     sc.Command.cmd,
		WorkingDir:  workingDir,
		Env:         environ,
		DependsOn:   sc.DependsOn.deps,
		HealthCheck: hc,
		Restart:     restart,
		OpenPorts:   ports,
		EnableColor: enableColor,
	}, nil
}

// resolveEnvironment loads env files, layers the inline environment on top,
// and expands $VAR references against the process environment and the
// accumulated map itself.
func resolveEnvironment(sc *serviceConfig, dir string) ([]string, error) {
	merged := env.NewMap()

	if len(sc.EnvFile.paths) > 0 {
		resolved := make([]string, 0, len(sc.EnvFile.paths))
		for _, p := range sc.EnvFile.paths {
			rp, err := env.ResolvePath(dir, p)
			if err != nil {
				return nil, fmt.Errorf("env_file: %w", err)
			}
			resolved = append(resolved, rp)
		}
		fromFiles, err := env.LoadFiles(resolved)
		if err != nil {
			return nil, err
		}
		merged.Merge(fromFiles)
	}

	for _, kv := range sc.Environment.pairs {
		merged.Set(kv[0], kv[1])
	}

	if merged.Len() == 0 {
		return nil, nil
	}

	base := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			base[k] = v
		}
	}

	return env.Expand(merged, base).Environ(), nil
}

func buildHealthCheck(hc *healthCheckCfg) (*service.HealthCheck, error) {
	if !hc.Test.set {
		return nil, fmt.Errorf("missing test")
	}
	if hc.Retries < 0 {
		return nil, fmt.Errorf("retries must not be negative")
	}

	out := &service.HealthCheck{
		Test:    hc.Test.cmd,
		Retries: hc.Retries,
	}

	// start_delay has two accepted aliases.
	for _, d := range []*Duration{hc.StartDelay, hc.StartupDelay, hc.InitialDelay} {
		if d != nil {
			out.StartDelay = d.Duration
			break
		}
	}
	if hc.Interval != nil {
		out.Interval = hc.Interval.Duration
	}
	if hc.Timeout != nil {
		out.Timeout = hc.Timeout.Duration
	}

	return out, nil
}

// Package svc installs and runs filemesh trackers and storage nodes as
// system services.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Roles a service can run.
const (
	RoleTracker = "tracker"
	RoleStorage = "storage"
)

// RunFlag marks an invocation made by the service manager.
const RunFlag = "--service-run"

// RunFunc runs a role until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to the service manager's start/stop calls.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return errors.New("no run function configured")
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() { p.done <- p.Run(ctx, p.ConfigPath) }()
	return nil
}

// Stop cancels the run and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes one installed service.
type Config struct {
	Role       string
	Name       string // defaults to filemesh-<role>
	ConfigPath string // defaults to DefaultConfigPath(role)
	UserName   string // Linux/macOS only
}

// ValidateRole rejects unknown roles.
func ValidateRole(role string) error {
	if role != RoleTracker && role != RoleStorage {
		return fmt.Errorf("unknown role %q (want %s or %s)", role, RoleTracker, RoleStorage)
	}
	return nil
}

// DefaultConfigPath returns where a role's config lives on this platform.
func DefaultConfigPath(role string) string {
	dir := "/etc/filemesh"
	if runtime.GOOS == "windows" {
		dir = filepath.Join(os.Getenv("ProgramData"), "filemesh")
	}
	return filepath.Join(dir, role+".yaml")
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "filemesh-" + c.Role
	}
	if c.ConfigPath == "" {
		c.ConfigPath = DefaultConfigPath(c.Role)
	}
}

// serviceConfig builds the service manager entry. The service re-invokes
// this binary as `filemesh --service-run <role> --config <path>`.
func serviceConfig(cfg Config) *service.Config {
	sc := &service.Config{
		Name:        cfg.Name,
		DisplayName: "filemesh " + cfg.Role,
		Description: "filemesh " + cfg.Role + " server",
		Arguments:   []string{RunFlag, cfg.Role, "--config", cfg.ConfigPath},
	}
	switch runtime.GOOS {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{"Restart": "on-failure", "RestartSec": "5", "LimitNOFILE": 65536}
		sc.UserName = cfg.UserName
	case "darwin":
		sc.Option = service.KeyValue{"KeepAlive": true, "RunAtLoad": true}
		sc.UserName = cfg.UserName
	case "windows":
		sc.Option = service.KeyValue{"OnFailure": "restart", "OnFailureDelay": "5s"}
	}
	return sc
}

func newService(prg *Program, cfg Config) (service.Service, error) {
	if err := ValidateRole(cfg.Role); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if prg == nil {
		prg = &Program{ConfigPath: cfg.ConfigPath}
	}
	s, err := service.New(prg, serviceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install registers the service. An existing installation is replaced
// only when force is set.
func Install(cfg Config, force bool) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", s.String())
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}
	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg Config) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends start, stop or restart to the service manager.
func Control(cfg Config, action string) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status reports whether the service is running.
func Status(cfg Config) (string, error) {
	s, err := newService(nil, cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed", nil
	}
	if err != nil {
		return "", err
	}
	switch status {
	case service.StatusRunning:
		return "running", nil
	case service.StatusStopped:
		return "stopped", nil
	}
	return "unknown", nil
}

// Run hands control to the service manager. It returns when the service
// is stopped.
func Run(cfg Config, run RunFunc) error {
	cfg.applyDefaults()
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath, Run: run}, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// ParseRunArgs recognizes an invocation made by the service manager and
// returns the role and config path it carries.
func ParseRunArgs(args []string) (role, configPath string, ok bool) {
	for i, a := range args {
		if a != RunFlag {
			continue
		}
		if i+1 >= len(args) {
			return "", "", false
		}
		role = args[i+1]
		for j := i + 2; j+1 < len(args); j++ {
			if args[j] == "--config" || args[j] == "-c" {
				configPath = args[j+1]
			}
		}
		return role, configPath, true
	}
	return "", "", false
}

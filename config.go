package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pinner/pkg/pin"
)

// Config is the accounts file: global paths plus one entry per account.
type Config struct {
	ProjectsRoot string        `yaml:"projects_root"`
	CookieDir    string        `yaml:"cookie_dir"`
	CookieBucket string        `yaml:"cookie_bucket"`
	Accounts     []pin.Account `yaml:"accounts"`
}

// LoadConfig reads and validates the accounts file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.ProjectsRoot == "" {
		cfg.ProjectsRoot = "projects"
	}
	if cfg.CookieDir == "" && cfg.CookieBucket == "" {
		cfg.CookieDir = "cookies"
	}

	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("config %s lists no accounts", path)
	}
	seen := make(map[string]bool, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		if a.Email == "" {
			return nil, fmt.Errorf("account #%d has no email", i+1)
		}
		if a.Password == "" {
			return nil, fmt.Errorf("account %s has no password", a.Email)
		}
		if a.Project == "" {
			return nil, fmt.Errorf("account %s has no project", a.Email)
		}
		if seen[a.Email] {
			return nil, fmt.Errorf("account %s appears twice", a.Email)
		}
		seen[a.Email] = true
	}
	return &cfg, nil
}

// ValidStrategy reports whether mode names a known publish strategy.
func ValidStrategy(mode string) bool {
	switch pin.Strategy(mode) {
	case pin.StrategyDirect, pin.StrategyBrowser:
		return true
	}
	return false
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Config holds the agent's listener and the command bound to each lifecycle action.
type Config struct {
	NodeID         string                  `yaml:"nodeID"`
	Address        string                  `yaml:"address"`
	CommandTimeout time.Duration           `yaml:"commandTimeout"`
	Shell          string                  `yaml:"shell"`
	Commands       map[store.Action]string `yaml:"commands"`
	Logging        struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
}

func defaultConfig() Config {
	cfg := Config{
		Address:        ":8081",
		CommandTimeout: 90 * time.Second,
		Shell:          "sh",
		Commands:       map[store.Action]string{},
	}
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig reads the YAML file at path. Action keys are case-insensitive.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse agent config %s: %w", path, err)
		}
	}
	if v := os.Getenv("FLUXGUARD_AGENT_ADDRESS"); v != "" {
		cfg.Address = v
	}

	normalized := make(map[store.Action]string, len(cfg.Commands))
	var errs []error
	for k, cmd := range cfg.Commands {
		a, err := store.ParseAction(strings.ToUpper(string(k)))
		if err != nil {
			errs = append(errs, fmt.Errorf("commands: %w", err))
			continue
		}
		if strings.TrimSpace(cmd) == "" {
			errs = append(errs, fmt.Errorf("commands.%s is empty", k))
			continue
		}
		normalized[a] = cmd
	}
	cfg.Commands = normalized
	if cfg.CommandTimeout <= 0 {
		errs = append(errs, errors.New("commandTimeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.NodeID == "" {
		id, err := getOrCreateNodeID()
		if err != nil {
			return nil, err
		}
		cfg.NodeID = id
	}
	return &cfg, nil
}

// getOrCreateNodeID keeps the agent identity stable across restarts in ~/.fluxguard/node_id.
func getOrCreateNodeID() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".fluxguard")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	nodeIDPath := filepath.Join(configDir, "node_id")
	if data, err := os.ReadFile(nodeIDPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(nodeIDPath, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("failed to save node ID to %s: %w", nodeIDPath, err)
	}
	return id, nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCoordinator(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateOTF(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCoordinator() error {
	if c.Coordinator.Username == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/emworker/config.toml"
		}
		return fmt.Errorf("coordinator.username is required. Set EMHUB_USER or edit %s (create with 'emworker config init')", defaultPath)
	}
	if c.Coordinator.Password == "" {
		return errors.New("coordinator.password is required. Set EMHUB_PASSWORD or edit the config file")
	}
	if !strings.HasPrefix(c.Coordinator.URL, "http://") && !strings.HasPrefix(c.Coordinator.URL, "https://") {
		return fmt.Errorf("coordinator.url %q must be an http(s) URL", c.Coordinator.URL)
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Name == "" {
		return errors.New("worker.name must be set when the hostname cannot be resolved")
	}
	return nil
}

func (c *Config) validateOTF() error {
	for name, wf := range c.OTF.Workflows {
		if name == "none" {
			continue
		}
		if strings.TrimSpace(wf.Command) == "" {
			return fmt.Errorf("otf.workflows.%s.command must be set", name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level)
	}
	return nil
}

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the command-line flags. Flags given explicitly win.
type fileConfig struct {
	APIURL   string `yaml:"api_url"`
	Timeout  string `yaml:"timeout"`
	LogLevel string `yaml:"log_level"`
	Idle     string `yaml:"idle"`
	Journal  string `yaml:"journal"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// flagEnv names the environment variables that seed flag defaults. A set
// variable outranks the config file.
var flagEnv = map[string]string{
	"api-url": "SOFTTERM_API_URL",
}

// applyConfig fills flags the user did not set, on the command line or in
// the environment, from the config file.
func applyConfig(cmd *cobra.Command, cfg fileConfig) error {
	values := map[string]string{
		"api-url":   cfg.APIURL,
		"timeout":   cfg.Timeout,
		"log-level": cfg.LogLevel,
		"idle":      cfg.Idle,
		"journal":   cfg.Journal,
	}
	flags := cmd.Flags()
	for name, v := range values {
		if v == "" {
			continue
		}
		f := flags.Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		if env, ok := flagEnv[name]; ok && os.Getenv(env) != "" {
			continue
		}
		if err := flags.Set(name, v); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	return nil
}

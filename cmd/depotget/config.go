package main

import (
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// fileConfig mirrors the CLI flags but uses strings for durations to make
// TOML friendly.
type fileConfig struct {
	CDNURL       string `toml:"cdn_url"`
	Token        string `toml:"token"`
	TokenURL     string `toml:"token_url"`
	Workers      int    `toml:"workers"`
	Retries      int    `toml:"retries"`
	RetryBackoff string `toml:"retry_backoff"`
	WorkDir      string `toml:"work_dir"`
	Verify       *bool  `toml:"verify"`
	LogLevel     string `toml:"log_level"`
}

// loadFileConfig reads and parses a TOML config file.
func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// defaultConfigPath returns ~/.depotget/config.toml if the home directory is
// accessible.
func defaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".depotget", "config.toml")
	}
	return ""
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// applyFileConfig fills in values the user did not set on the command line.
// Explicit flags always win over the config file.
func applyFileConfig(cmd *cobra.Command, fc fileConfig, opts *cliOptions) error {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if fc.CDNURL != "" && !changed("cdn") {
		opts.cdnURL = fc.CDNURL
	}
	if fc.Token != "" && !changed("token") {
		opts.token = fc.Token
	}
	if fc.TokenURL != "" && !changed("token-url") {
		opts.tokenURL = fc.TokenURL
	}
	if fc.Workers != 0 && !changed("workers") {
		opts.workers = fc.Workers
	}
	if fc.Retries != 0 && !changed("retries") {
		opts.retries = fc.Retries
	}
	if fc.RetryBackoff != "" && !changed("retry-backoff") {
		d, err := time.ParseDuration(fc.RetryBackoff)
		if err != nil {
			return err
		}
		opts.retryBackoff = d
	}
	if fc.WorkDir != "" && !changed("work-dir") {
		opts.workDir = fc.WorkDir
	}
	if fc.Verify != nil && !changed("verify") {
		opts.verify = *fc.Verify
	}
	if fc.LogLevel != "" && !changed("log-level") {
		opts.logLevel = fc.LogLevel
	}
	return nil
}

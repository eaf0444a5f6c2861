// gantryctl is the operator CLI: submit jobs, inspect status, tail
// event ledgers, cancel and resume. It talks to the API server; the
// address comes from --server, GANTRY_SERVER_URL, or a YAML config
// file, in that order of precedence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	defaultServerURL      = "http://localhost:8080"
	defaultRequestTimeout = 30 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := buildRoot().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cliOptions carries the persistent flags shared by every command.
type cliOptions struct {
	configFile string
	serverURL  string
}

// client resolves the effective configuration and builds the API
// client for one command invocation.
func (o *cliOptions) client() (*apiClient, error) {
	cfg, err := loadCLIConfig(o.configFile, o.serverURL)
	if err != nil {
		return nil, err
	}
	return newAPIClient(cfg.Server, cfg.Timeout), nil
}

func buildRoot() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "gantryctl",
		Short: "Operate a gantry deployment",
		Long: `gantryctl drives the gantry job service: enqueue work, watch its
event ledger live, and steer jobs through cancellation, escalation
and resumption.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML config file path")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", "", "API server base URL (default "+defaultServerURL+")")

	root.AddCommand(
		buildEnqueueCommand(opts),
		buildStatusCommand(opts),
		buildEventsCommand(opts),
		buildCancelCommand(opts),
		buildResumeCommand(opts),
		buildConversationsCommand(opts),
	)

	return root
}

// cliConfig is the resolved operator configuration.
type cliConfig struct {
	Server  string
	Timeout time.Duration
}

// fileConfig is the YAML shape. Timeout is a duration string ("30s").
type fileConfig struct {
	Server  string `yaml:"server"`
	Timeout string `yaml:"timeout"`
}

// loadCLIConfig merges defaults, the YAML file, the environment and the
// --server flag, later sources winning.
func loadCLIConfig(path, flagServer string) (cliConfig, error) {
	cfg := cliConfig{Server: defaultServerURL, Timeout: defaultRequestTimeout}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
		}
		if fc.Server != "" {
			cfg.Server = fc.Server
		}
		if fc.Timeout != "" {
			timeout, err := time.ParseDuration(fc.Timeout)
			if err != nil {
				return cfg, fmt.Errorf("invalid timeout in config file: %w", err)
			}
			cfg.Timeout = timeout
		}
	}

	if env := os.Getenv("GANTRY_SERVER_URL"); env != "" {
		cfg.Server = env
	}
	if flagServer != "" {
		cfg.Server = flagServer
	}

	return cfg, nil
}

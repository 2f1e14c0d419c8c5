package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	code, err := newRootCmd().execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

type rootCmd struct {
	cmd      *cobra.Command
	opts     rootOptions
	exitCode int
}

func newRootCmd() *rootCmd {
	r := &rootCmd{exitCode: 1}
	r.cmd = &cobra.Command{
		Use:           "words",
		Short:         "A plain text language server completing the words of open documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := r.cmd.PersistentFlags()
	flags.StringVarP(&r.opts.configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&r.opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&r.opts.logFormat, "log-format", "", "log format: text or json")

	r.cmd.AddCommand(newServeCmd(r), newCountCmd(r))
	return r
}

func (r *rootCmd) execute() (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.cmd.ExecuteContext(ctx); err != nil {
		return 1, err
	}
	return r.exitCode, nil
}

// config loads the configuration file and applies the flags overriding it.
func (r *rootCmd) config() (config, error) {
	cfg, err := loadConfig(r.opts.configPath)
	if err != nil {
		return config{}, err
	}
	if r.opts.logLevel != "" {
		cfg.LogLevel = r.opts.logLevel
	}
	if r.opts.logFormat != "" {
		cfg.LogFormat = r.opts.logFormat
	}
	return cfg, nil
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-lsp/servers/words"
	"go.lsp.dev/protocol"
	"gopkg.in/yaml.v3"
)

type config struct {
	Transport      string        `yaml:"transport"`
	Addr           string        `yaml:"addr"`
	LogLevel       string        `yaml:"logLevel"`
	LogFormat      string        `yaml:"logFormat"`
	Workers        int           `yaml:"workers"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	VerboseErrors  bool          `yaml:"verboseErrors"`
	SyncKind       string        `yaml:"syncKind"`
	StrictSync     bool          `yaml:"strictSync"`
	Words          words.Config  `yaml:"words"`
}

func defaultConfig() config {
	return config{
		Transport: "stdio",
		Addr:      "127.0.0.1:7777",
		LogLevel:  "info",
		LogFormat: "text",
		SyncKind:  "incremental",
		Words: words.Config{
			TriggerCharacters: []string{"."},
		},
	}
}

// loadConfig reads path over the defaults. An empty path keeps the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	cfg.Transport = strings.ToLower(cfg.Transport)
	if !slices.Contains(transports, cfg.Transport) {
		return config{}, fmt.Errorf("unknown transport %q in %s", cfg.Transport, path)
	}
	return cfg, nil
}

func (c config) syncKind() (protocol.TextDocumentSyncKind, error) {
	switch strings.ToLower(c.SyncKind) {
	case "none":
		return protocol.TextDocumentSyncKindNone, nil
	case "full":
		return protocol.TextDocumentSyncKindFull, nil
	case "", "incremental":
		return protocol.TextDocumentSyncKindIncremental, nil
	default:
		return 0, fmt.Errorf("unknown sync kind %q", c.SyncKind)
	}
}

// newLogger builds the process logger. Logs always go to stderr, stdout may carry the protocol.
func (c config) newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
}

package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Validate    bool
	ShowVersion bool
}

// parseFlags parses command-line flags with environment variable fallbacks.
func parseFlags() CLIConfig {
	cfg := CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("VOID_CONFIG", "void.yaml"),
		"Path to the pipeline configuration file")
	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("VOID_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("VOID_LOG_FORMAT", "text"),
		"Log format (text, json)")
	flag.BoolVar(&cfg.Validate, "validate", false,
		"Validate the configuration and exit")
	flag.BoolVar(&cfg.ShowVersion, "version", false,
		"Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", appName)
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  VOID_CONFIG      configuration file path\n")
		fmt.Fprintf(os.Stderr, "  VOID_LOG_LEVEL   log level\n")
		fmt.Fprintf(os.Stderr, "  VOID_LOG_FORMAT  log format\n")
	}
	flag.Parse()

	return cfg
}

// validateFlags checks flag values before the daemon starts.
func validateFlags(cfg CLIConfig) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	if cfg.ConfigPath == "" {
		return fmt.Errorf("config path is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

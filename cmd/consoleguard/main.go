package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/wudi/consoleguard/internal/app"
	"github.com/wudi/consoleguard/internal/config"
	"github.com/wudi/consoleguard/internal/logging"
	"github.com/wudi/consoleguard/internal/platform"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration with secrets redacted and exit")
	printPolicy := flag.Bool("print-policy", false, "Print a freshly built Content-Security-Policy and exit")
	documentPath := flag.String("document", "", "Stamp the policy and token tag into this HTML page and exit")
	outPath := flag.String("out", "", "Where -document writes the page (stdout when empty)")
	watch := flag.Bool("watch", false, "Reload the configuration when the file changes")
	flag.Parse()

	if *showVersion {
		fmt.Printf("consoleguard %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.NewLoader().Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	if *printConfig {
		if err := writeConfig(cfg, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to print configuration: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Initialize structured logger
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if err := run(cfg, *configPath, *printPolicy, *documentPath, *outPath, *watch); err != nil {
		logging.Error("consoleguard failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, printPolicy bool, documentPath, outPath string, watch bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []app.Option
	var doc *platform.HTMLDocument
	if documentPath != "" {
		f, err := os.Open(documentPath)
		if err != nil {
			return err
		}
		doc, err = platform.ParseDocument(f)
		f.Close()
		if err != nil {
			return err
		}
		opts = append(opts, app.WithDocument(doc))
	}

	a, err := app.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	defer a.Close()

	if printPolicy {
		policy, err := a.Policy().BuildPolicy(ctx)
		if err != nil {
			return err
		}
		fmt.Println(policy)
		return nil
	}

	if doc != nil {
		if err := a.Start(ctx); err != nil {
			return err
		}
		return writeDocument(doc, outPath)
	}

	logging.Info("Starting consoleguard",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.String("environment", cfg.Environment),
		zap.String("api_base_url", cfg.APIBaseURL),
	)

	if watch && configPath != "" {
		w, err := config.NewWatcher(configPath)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		w.OnChange(func(next *config.Config) {
			if err := a.Reload(ctx, next); err != nil {
				logging.Error("Config reload failed", zap.Error(err))
			}
		})
		if err := w.Start(); err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		defer w.Stop()
	}

	if err := a.Run(ctx); err != nil {
		return err
	}
	logging.Info("Shutdown complete")
	return nil
}

func writeConfig(cfg *config.Config, w io.Writer) error {
	redacted, err := config.RedactConfig(cfg)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(redacted)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func writeDocument(doc *platform.HTMLDocument, outPath string) error {
	var w io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return doc.Render(w)
}

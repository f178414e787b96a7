// Command noiseguard runs the rule protection pipeline from the command
// line: feed it a JSON batch of learned rules and it emits the
// upload-safe protected set, or inspect the budget ledger and reputation
// population of a configured deployment.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/TheEntropyCollective/noiseguard/pkg/common/config"
	"github.com/TheEntropyCollective/noiseguard/pkg/common/logging"
	"github.com/TheEntropyCollective/noiseguard/pkg/core/rules"
	"github.com/TheEntropyCollective/noiseguard/pkg/noiseguard"
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration file path (JSON)")
		preset     = flag.String("preset", "", "Use a named preset instead of a config file (default, strict, permissive)")
		process    = flag.String("process", "", "Process a rule batch from a JSON file ('-' for stdin)")
		userID     = flag.String("user", "", "Contributor id for reputation tracking")
		budget     = flag.Bool("budget", false, "Show budget ledger stats")
		reput      = flag.Bool("reputation", false, "Show reputation population stats")
		initConfig = flag.Bool("init", false, "Write the default configuration to the -config path")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath, *preset)
	if err != nil {
		fatal("Failed to load config: %v", err)
	}

	level, _ := logging.ParseLogLevel(cfg.Logging.Level)
	logging.InitGlobalLogger(&logging.Config{
		Level:            level,
		Format:           parseFormat(cfg.Logging.Format),
		Output:           os.Stderr,
		EnableSanitizing: cfg.Logging.EnableSanitizing,
	})

	if *initConfig {
		if *configPath == "" {
			fatal("-init requires -config")
		}
		if err := config.DefaultConfig().SaveToFile(*configPath); err != nil {
			fatal("Failed to save config: %v", err)
		}
		fmt.Printf("Default configuration saved to: %s\n", *configPath)
		return
	}

	ctx := context.Background()
	pipeline, err := noiseguard.New(ctx, cfg)
	if err != nil {
		fatal("Failed to build pipeline: %v", err)
	}
	defer pipeline.Close()

	switch {
	case *process != "":
		processBatch(ctx, pipeline, *process, *userID)
	case *budget:
		printJSON(pipeline.Budget.GetLevelStats())
	case *reput:
		printJSON(pipeline.Tracker.GetStats())
	default:
		flag.Usage()
	}
}

func loadConfig(path, preset string) (*config.Config, error) {
	if preset != "" {
		return config.GetPresetConfig(preset)
	}
	return config.LoadConfig(path)
}

func processBatch(ctx context.Context, pipeline *noiseguard.Pipeline, path, userID string) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		fatal("Failed to read batch: %v", err)
	}

	var batch []*rules.LearnedRule
	if err := json.Unmarshal(data, &batch); err != nil {
		fatal("Failed to parse batch: %v", err)
	}

	result, err := pipeline.Process(ctx, batch, userID)
	if err != nil {
		fatal("Failed to process batch: %v", err)
	}

	fmt.Fprintf(os.Stderr, "accepted %d of %d rules, protected %d\n",
		result.Accepted, len(batch), len(result.Protected))
	if len(result.Protected) < result.Accepted {
		fmt.Fprintln(os.Stderr, "warning: budget exhausted before the whole batch was protected")
	}
	printJSON(result.UploadPayload())
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("Failed to marshal output: %v", err)
	}
	fmt.Println(string(data))
}

func parseFormat(format string) logging.LogFormat {
	if format == "json" {
		return logging.JSONFormat
	}
	return logging.TextFormat
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/sidecar/internal/output"
	"github.com/joescharf/sidecar/internal/sessions"
	"github.com/joescharf/sidecar/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store
	manager   *sessions.Manager

	verbose     bool
	dryRun      bool
	sessionFlag string
)

var rootCmd = &cobra.Command{
	Use:   "sidecar",
	Short: "Sidecar - capture, summarize and commit AI coding sessions",
	Long: `sidecar runs next to an interactive coding session. It records what the
agent does as an append-only event log, keeps a live summary of the session,
cuts the work into reviewable patches with synthesized commit messages, and
proposes documentation updates you can apply or reject.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	closeDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/sidecar/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&sessionFlag, "session", "s", "", "Session ID (default: active session for the current directory)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SIDECAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every recognized key. dataDir is the default data
// directory.
func setDefaults(dataDir string) {
	viper.SetDefault("data_dir", dataDir)
	viper.SetDefault("db_path", filepath.Join(dataDir, "sidecar.db"))
	viper.SetDefault("port", 8765)

	viper.SetDefault("capture.buffer_size", 256)
	viper.SetDefault("capture.flush_interval", "500ms")
	viper.SetDefault("capture.flush_batch", 100)
	viper.SetDefault("capture.retry_initial", "100ms")
	viper.SetDefault("capture.retry_max", "5s")

	viper.SetDefault("processor.event_count_threshold", 20)
	viper.SetDefault("processor.idle_timeout", "5m")
	viper.SetDefault("processor.max_decisions", 50)
	viper.SetDefault("processor.max_errors", 30)
	viper.SetDefault("processor.max_questions", 20)
	viper.SetDefault("processor.max_file_contexts", 100)
	viper.SetDefault("processing_timeout", "60s")

	viper.SetDefault("boundary.idle_gap_threshold", "10m")
	viper.SetDefault("boundary.change_cluster_size", 8)
	viper.SetDefault("boundary.change_cluster_window", "2m")

	viper.SetDefault("synthesis.backend", "template")
	viper.SetDefault("synthesis_timeout", "30s")
	viper.SetDefault("synthesis.max_attempts", 3)
	viper.SetDefault("synthesis.retry_initial", "500ms")
	viper.SetDefault("synthesis.max_prompt_tokens", 12000)
	viper.SetDefault("synthesis.anthropic.api_key", "")
	viper.SetDefault("synthesis.anthropic.model", "claude-haiku-4-5-20251001")
	viper.SetDefault("synthesis.vertex_anthropic.project_id", "")
	viper.SetDefault("synthesis.vertex_anthropic.region", "us-east5")
	viper.SetDefault("synthesis.vertex_anthropic.model", "")
	viper.SetDefault("synthesis.vertex_anthropic.credentials_file", "")
	viper.SetDefault("synthesis.openai.api_key", "")
	viper.SetDefault("synthesis.openai.model", "gpt-4o-mini")
	viper.SetDefault("synthesis.openai.base_url", "")
	viper.SetDefault("synthesis.grok.api_key", "")
	viper.SetDefault("synthesis.grok.model", "grok-3-mini")
	viper.SetDefault("synthesis.grok.base_url", "https://api.x.ai/v1")

	viper.SetDefault("narrative.backend", "rule")
	viper.SetDefault("artifacts.backend", "template")
	viper.SetDefault("artifacts.targets", []string{"README.md", "CLAUDE.md"})

	viper.SetDefault("embeddings.backend", "hash")
	viper.SetDefault("embeddings.dimensions", 256)
	viper.SetDefault("embeddings.ollama.url", "http://localhost:11434")
	viper.SetDefault("embeddings.ollama.model", "nomic-embed-text")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// Store and manager open lazily so config/version run without a db.
}

// closeDeps flushes buffered captures and closes the database.
func closeDeps() {
	if manager != nil {
		if err := manager.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: flush captures: %v\n", err)
		}
		manager = nil
	}
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
	}
}

// rootRun handles `sidecar` with no subcommand: show the active session for
// the current directory, or help.
func rootRun(cmd *cobra.Command) error {
	m, err := getManager()
	if err != nil {
		return cmd.Help()
	}
	ctx := context.Background()
	id, err := resolveSession(ctx, m, "")
	if err != nil {
		return cmd.Help()
	}
	return sessionShowRun(id)
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getManager returns the shared session manager wired from config.
func getManager() (*sessions.Manager, error) {
	if manager != nil {
		return manager, nil
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	backends, err := buildBackends()
	if err != nil {
		return nil, err
	}
	manager = sessions.NewManager(s, sessionConfig(), backends, slog.Default())
	return manager, nil
}

// resolveSession picks the session to act on: an explicit argument, the
// --session flag, or the active session for the working directory.
func resolveSession(ctx context.Context, m *sessions.Manager, arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	if sessionFlag != "" {
		return sessionFlag, nil
	}
	if id := viper.GetString("session"); id != "" {
		return id, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		sess, err := m.Active(ctx, dir)
		if err == nil {
			return sess.ID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if parent := filepath.Dir(dir); parent == dir {
			break
		}
	}
	return "", fmt.Errorf("no active session for %s\nStart one with 'sidecar session start' or pass --session", cwd)
}

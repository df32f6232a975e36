package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aqua-lzma/theory/internal/config"
	"github.com/aqua-lzma/theory/internal/gateway"
	"github.com/aqua-lzma/theory/internal/history"
	"github.com/aqua-lzma/theory/internal/memory"
)

var rootCmd = &cobra.Command{
	Use:   "theory",
	Short: "theory - chat history buffer with long term memory",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (platforms + compaction + status server)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, data dirs and prompt files",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config and per-scope history status",
	RunE:  runStatus,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact one scope now if it is past the high water mark",
	RunE:  runCompact,
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the transcript of a scope",
	RunE:  runRender,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import legacy <group id>.json message dumps",
	RunE:  runImport,
}

var (
	scopeFlag    string
	outFlag      string
	dirFlag      string
	platformFlag string
	jsonFlag     bool
)

func init() {
	compactCmd.Flags().StringVar(&scopeFlag, "scope", "", "Scope key, e.g. discord:<guild id>")
	renderCmd.Flags().StringVar(&scopeFlag, "scope", "", "Scope key, e.g. discord:<guild id>")
	renderCmd.Flags().StringVarP(&outFlag, "out", "o", "", "Write to file instead of stdout")
	importCmd.Flags().StringVar(&dirFlag, "dir", "messages", "Directory holding the legacy dumps")
	importCmd.Flags().StringVar(&platformFlag, "platform", "discord", "Platform the dumps came from")
	statusCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the per-scope status as JSON")
	_ = compactCmd.MarkFlagRequired("scope")
	_ = renderCmd.MarkFlagRequired("scope")
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, compactCmd, renderCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(out).
			With().
			Timestamp().
			Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Discord.Enabled && !cfg.Telegram.Enabled {
		return fmt.Errorf("no platform enabled. Run 'theory onboard' and enable discord or telegram in %s", config.ConfigPath())
	}

	logger := newLogger(cfg.Log, os.Stderr)
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, dir := range []string{cfg.MemoryDir(), cfg.ArchiveDir(), cfg.ReadableDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	if err := gateway.WriteDefaultPrompts(cfg.PromptsDir()); err != nil {
		return err
	}

	fmt.Fprintf(out, "Data dir ready: %s\n", cfg.Storage.DataDir)
	fmt.Fprintf(out, "Prompts: %s\n", cfg.PromptsDir())
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to enable discord or telegram and set the token\n", cfgPath)
	fmt.Fprintln(out, "  2. Set THEORY_GEMINI_API_KEY (or gemini.apiKey)")
	fmt.Fprintln(out, "  3. Run 'theory gateway'")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	scopes, scopeErr := loadScopes(cfg)
	if jsonFlag {
		if scopeErr != nil {
			return scopeErr
		}
		return printJSON(out, scopes)
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Data dir: %s\n", cfg.Storage.DataDir)
	fmt.Fprintf(out, "Models: %s\n", strings.Join(cfg.Generation.Models, ", "))
	fmt.Fprintf(out, "Memory models: %s\n", strings.Join(cfg.MemoryModels(), ", "))
	fmt.Fprintf(out, "Gemini key: %s\n", maskKey(cfg.Gemini.APIKey))
	fmt.Fprintf(out, "Anthropic key: %s\n", maskKey(cfg.Anthropic.APIKey))
	fmt.Fprintf(out, "Discord: enabled=%v\n", cfg.Discord.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)
	fmt.Fprintf(out, "History: high=%d low=%d\n", cfg.History.HighWater, cfg.History.LowWater)

	switch {
	case scopeErr != nil:
		fmt.Fprintf(out, "Scopes: error (%v)\n", scopeErr)
	case len(scopes) == 0:
		fmt.Fprintln(out, "Scopes: none (run 'theory gateway' or 'theory import')")
	default:
		fmt.Fprintln(out, "Scopes:")
		for _, s := range scopes {
			mem := "default"
			if s.MemoryBytes > 0 {
				mem = fmt.Sprintf("%d bytes", s.MemoryBytes)
			}
			fmt.Fprintf(out, "  %s: %d records, memory %s\n", s.Scope, s.Records, mem)
		}
	}
	return nil
}

// loadScopes reads the per-scope status without creating a database.
func loadScopes(cfg *config.Config) ([]gateway.ScopeStatus, error) {
	if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
		return []gateway.ScopeStatus{}, nil
	}
	store, err := history.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return gateway.CollectScopes(store, memory.NewStore(cfg.MemoryDir(), cfg.ArchiveDir()))
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log, os.Stderr)
	gw, err := gateway.NewWithOptions(cfg, logger, gateway.Options{Offline: true})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := gw.CompactScope(ctx, scopeFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch report.Outcome {
	case memory.OutcomeSkipped:
		fmt.Fprintf(out, "%s: %d records, below high water (%d); nothing to do\n", scopeFlag, report.Remaining, cfg.History.HighWater)
	case memory.OutcomeRestored:
		fmt.Fprintf(out, "%s: every memory tier rate limited; %d records restored\n", scopeFlag, report.Remaining)
	default:
		fmt.Fprintf(out, "%s: folded %d records into memory with %s; %d remain\n", scopeFlag, report.Extracted, report.Tier, report.Remaining)
	}
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := history.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	l, err := history.Open(scopeFlag, store)
	if err != nil {
		return err
	}
	if l.Len() == 0 {
		return fmt.Errorf("scope %s has no records", scopeFlag)
	}

	if outFlag != "" {
		if err := history.WriteReadable(outFlag, l.Records()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d records to %s\n", l.Len(), outFlag)
		return nil
	}
	_, err = io.WriteString(cmd.OutOrStdout(), history.Render(l.Records()))
	return err
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := history.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	imported, err := history.ImportLegacy(dirFlag, platformFlag, store)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(imported) == 0 {
		fmt.Fprintf(out, "Nothing to import from %s\n", dirFlag)
		return nil
	}
	scopes := make([]string, 0, len(imported))
	for scope := range imported {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	for _, scope := range scopes {
		fmt.Fprintf(out, "Imported %d records into %s\n", imported[scope], scope)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

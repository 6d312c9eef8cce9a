package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sigreer/deploykit/internal/config"
	"github.com/sigreer/deploykit/internal/journal"
	"github.com/sigreer/deploykit/internal/version"
)

var (
	cfgFile  string
	logLevel = levelFlag("")
	jsonOut  bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "deploykit",
	Short: "AOSC OS installer backend",
	Long: `DeployKit prepares a machine for an AOSC OS installation. It lists
partitions, creates filesystems, writes mount table entries, resolves the
system variants available for this machine and ranks download mirrors.`,
	Version:           version.Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is /etc/deploykit/config.yaml)")
	flags.Var(&logLevel, "log-level", "log level (debug, info, warn, error)")
	flags.BoolVar(&jsonOut, "json", false, "Output as JSON")

	rootCmd.AddCommand(partitionsCmd)
	rootCmd.AddCommand(espCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(fstabCmd)
	rootCmd.AddCommand(variantsCmd)
	rootCmd.AddCommand(mirrorsCmd)
	rootCmd.AddCommand(journalCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded
	applyFlagOverrides(cmd.Flags(), cfg)
	logger = setupLogger(os.Stderr, cfg.Log)
	logger.Debug("configuration loaded", "manifest_url", cfg.ManifestURL, "journal", cfg.JournalEnabled())
	return nil
}

// applyFlagOverrides copies explicitly set persistent flags over the config
func applyFlagOverrides(flags *pflag.FlagSet, c *config.Config) {
	if flags.Changed("log-level") {
		c.Log.Level = logLevel.String()
	}
}

// levelFlag is a pflag.Value that only accepts slog level names
type levelFlag string

func (l *levelFlag) String() string { return string(*l) }
func (l *levelFlag) Type() string   { return "level" }

func (l *levelFlag) Set(s string) error {
	s = strings.ToLower(s)
	if !config.ValidLogLevel(s) {
		return fmt.Errorf("unknown level %q, want one of %s", s, strings.Join(config.LogLevels, ", "))
	}
	*l = levelFlag(s)
	return nil
}

func setupLogger(w io.Writer, lc config.Log) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// wantJSON reports whether output should be JSON. Piped output defaults to
// JSON so scripts never have to parse tables.
func wantJSON(w io.Writer) bool {
	if jsonOut {
		return true
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errJournalDisabled is returned by openJournal when journal.enabled is false
var errJournalDisabled = errors.New("journal disabled")

// openJournal opens the configured journal. A disabled journal is never
// created on disk.
func openJournal() (*journal.Journal, error) {
	if !cfg.JournalEnabled() {
		return nil, errJournalDisabled
	}
	return journal.Open(cfg.Journal.Path)
}

// recorder returns the journal for recording an operation, or nil when it
// is disabled or unusable. Journal problems never block disk work.
func recorder() *journal.Journal {
	j, err := openJournal()
	if err != nil {
		if !errors.Is(err, errJournalDisabled) {
			logger.Warn("journal unavailable", "path", cfg.Journal.Path, "error", err)
		}
		return nil
	}
	return j
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

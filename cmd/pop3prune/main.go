package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/emx-mail/pop3prune/pkgs/config"
)

const version = "1.0.0"

// app holds options parsed from the command line
type app struct {
	configPath string

	dryRun     bool
	descending bool
	skip       int
	batchSize  int
	timeout    time.Duration
	logLevel   string
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "pop3prune",
		Short: "Delete mail matching header rules from a POP3 mailbox",
		Long: `pop3prune walks a POP3 (or IMAP) mailbox, fetches only the header of
every message and deletes the ones matching the configured rules. Large
mailboxes are processed in batches, one session per batch, so that a dropped
connection never loses more than one batch of work.

Running pop3prune without a command is the same as "pop3prune run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPrune(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		fmt.Sprintf("config file (default $%s or %s)", config.EnvConfigPath, config.DefaultPath))
	a.addRunFlags(root.Flags())

	root.AddCommand(a.runCmd())
	root.AddCommand(a.checkCmd())
	root.AddCommand(a.initCmd())
	root.AddCommand(versionCmd())

	return root
}

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Prune the mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPrune(cmd)
		},
	}
	a.addRunFlags(cmd.Flags())
	return cmd
}

func (a *app) addRunFlags(fs *flag.FlagSet) {
	fs.BoolVarP(&a.dryRun, "dry-run", "n", false, "Evaluate every message but delete nothing")
	fs.BoolVar(&a.descending, "descending", false, "Walk from the newest message to the oldest")
	fs.IntVar(&a.skip, "skip", 0, "Number of messages to leave alone at the start of the walk")
	fs.IntVar(&a.batchSize, "batch-size", 0, "Deletions per session, 0 for unlimited")
	fs.DurationVar(&a.timeout, "timeout", 0, "Idle timeout per server response")
	fs.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

// applyOverrides copies the flags the user actually set onto cfg.
func (a *app) applyOverrides(cfg *config.Config, fs *flag.FlagSet) {
	if fs.Changed("dry-run") {
		cfg.DryRun = a.dryRun
	}
	if fs.Changed("descending") {
		cfg.Descending = a.descending
	}
	if fs.Changed("skip") {
		cfg.Skip = a.skip
	}
	if fs.Changed("batch-size") {
		cfg.BatchSize = a.batchSize
	}
	if fs.Changed("timeout") {
		cfg.Timeout = a.timeout
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
}

// loadConfig loads the config file and applies flag overrides. The result is
// validated again since flags can break what the file got right.
func (a *app) loadConfig(fs *flag.FlagSet) (*config.Config, error) {
	path := config.ResolvePath(a.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if fs != nil {
		a.applyOverrides(cfg, fs)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pop3prune v%s\n", version)
		},
	}
}

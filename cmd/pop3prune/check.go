package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emx-mail/pop3prune/pkgs/config"
	"github.com/emx-mail/pop3prune/pkgs/email"
)

func (a *app) checkCmd() *cobra.Command {
	var emls []string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and preview rules without connecting",
		Long: `Validate the configuration file and print the compiled rules.

With --eml, every given message file is evaluated against the rules and the
verdict is printed. Nothing is fetched from or deleted on the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCheck(cmd, emls)
		},
	}

	cmd.Flags().StringArrayVar(&emls, "eml", nil, "Message file to evaluate (repeatable)")

	return cmd
}

func (a *app) runCheck(cmd *cobra.Command, emls []string) error {
	cfg, err := a.loadConfig(nil)
	if err != nil {
		return err
	}
	rs, err := cfg.RuleSet()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	mb := cfg.Mailbox()
	fmt.Fprintf(out, "config ok: %s %s@%s:%d\n", cfg.Protocol, mb.Username, mb.Host, mb.Port)
	fmt.Fprint(out, rs)

	for _, path := range emls {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		h := email.ParseHeader(raw)
		verdict := "keep"
		ok, reason := rs.Explain(h)
		if ok {
			verdict = "delete"
		}
		fmt.Fprintf(out, "%s: %s (%s)\n", path, verdict, reason)
	}
	return nil
}

func (a *app) initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(a.configPath)
			if err := config.SaveConfig(path, config.ExampleConfig(), force); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created config file at: %s\n", path)
			fmt.Fprintf(out, "Set %s to keep the password out of the file.\n", config.EnvPassword)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

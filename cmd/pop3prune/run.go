package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/emx-mail/pop3prune/pkgs/config"
	"github.com/emx-mail/pop3prune/pkgs/email"
	"github.com/emx-mail/pop3prune/pkgs/ledger"
	"github.com/emx-mail/pop3prune/pkgs/logger"
	"github.com/emx-mail/pop3prune/pkgs/metrics"
	"github.com/emx-mail/pop3prune/pkgs/prune"
)

func (a *app) runPrune(cmd *cobra.Command) error {
	cfg, err := a.loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	rs, err := cfg.RuleSet()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mb := cfg.Mailbox()
	m := metrics.New()
	opts := prune.Options{
		Username:        mb.Username,
		Password:        mb.Password,
		Descending:      cfg.Descending,
		Skip:            cfg.Skip,
		BatchSize:       cfg.BatchSize,
		Timeout:         cfg.Timeout,
		Cooldown:        cfg.Cooldown,
		MaxBackoff:      cfg.MaxBackoff,
		MaxRetries:      cfg.MaxRetries,
		MaxAuthFailures: cfg.MaxAuthFailures,
		DryRun:          cfg.DryRun,
		Logger:          log,
		Reporter:        prune.NewConsoleReporter(os.Stdout),
		Metrics:         m,
	}

	// A nil *ledger.Ledger in the interface would not compare equal to nil.
	if cfg.Ledger != "" && !cfg.DryRun {
		l, err := ledger.Open(cfg.Ledger)
		if err != nil {
			return err
		}
		defer func() {
			if err := l.Close(); err != nil {
				log.Warnw("failed to close ledger", "path", l.Path(), "error", err)
			}
		}()
		opts.Ledger = l
	}

	log.Infow("starting",
		"protocol", cfg.Protocol,
		"host", mb.Host,
		"user", mb.Username,
		"descending", cfg.Descending,
		"skip", cfg.Skip,
		"batch_size", cfg.BatchSize,
		"dry_run", cfg.DryRun,
	)
	log.Debugf("rules:\n%s", rs)

	sum, runErr := prune.New(newConnector(cfg), rs, opts).Run(ctx)

	if path := cfg.Metrics.Textfile; path != "" {
		if err := m.WriteTextfile(path); err != nil {
			log.Warnw("metrics not written", "error", err)
		}
	}
	if cfg.Report != nil {
		if err := sendReport(cfg.Report, sum); err != nil {
			log.Errorw("failed to send report", "error", err)
		} else if !cfg.Report.OnlyOnError || sum.Err != nil {
			log.Infow("report sent", "to", cfg.Report.To)
		}
	}

	return runErr
}

// sendReport mails the run summary. With OnlyOnError set, clean runs are not
// reported.
func sendReport(rc *config.ReportConfig, sum *prune.Summary) error {
	if rc.OnlyOnError && sum.Err == nil {
		return nil
	}

	from, err := email.ParseAddress(rc.From)
	if err != nil {
		return fmt.Errorf("report.from: %w", err)
	}
	to := make([]email.Address, 0, len(rc.To))
	for _, s := range rc.To {
		addr, err := email.ParseAddress(s)
		if err != nil {
			return fmt.Errorf("report.to: %w", err)
		}
		to = append(to, addr)
	}

	subject := rc.Subject
	if sum.DryRun {
		subject += " (dry run)"
	}
	if sum.Err != nil {
		subject += " (failed)"
	}

	return newSMTPClient(rc.SMTP).Send(email.SendOptions{
		From:     from,
		To:       to,
		Subject:  subject,
		TextBody: sum.Text(),
	})
}

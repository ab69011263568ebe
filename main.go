package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mailrun/delivery"
	"mailrun/dispatch"
	"mailrun/health"
	"mailrun/internal/campaign"
	"mailrun/internal/config"
	"mailrun/internal/dkim"
	"mailrun/internal/email"
	"mailrun/internal/logging"
	"mailrun/internal/metrics"
	"mailrun/storage"
	"mailrun/tlsconfig"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "mailrun: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailrun: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Debug: cfg.Debug})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, os.Args[1:], cfg, log, os.Stdout)
	stop()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Error().Err(err).Msg("campaign failed")
		os.Exit(1)
	}
}

type cliOptions struct {
	accountsFile   string
	senders        string
	recipientsFile string
	recipients     string
	subject        string
	bodyFile       string
	body           string
	attachments    string
	campaignID     string
	workers        int
}

func parseFlags(args []string, cfg config.Config, stderr io.Writer) (cliOptions, error) {
	var o cliOptions
	fs := flag.NewFlagSet("mailrun", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.accountsFile, "accounts", "", "file of identity,secret lines")
	fs.StringVar(&o.senders, "from", "", "comma separated sender identities to use (default: all accounts)")
	fs.StringVar(&o.recipientsFile, "recipients", "", "file with one recipient per line")
	fs.StringVar(&o.recipients, "to", "", "comma separated recipients")
	fs.StringVar(&o.subject, "subject", "", "message subject")
	fs.StringVar(&o.bodyFile, "body-file", "", "file holding the HTML body")
	fs.StringVar(&o.body, "body", "", "inline HTML body")
	fs.StringVar(&o.attachments, "attach", "", "comma separated attachment paths")
	fs.StringVar(&o.campaignID, "campaign", "", "campaign id (default: generated)")
	fs.IntVar(&o.workers, "workers", cfg.Workers, "concurrent sends per account")
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	switch {
	case o.accountsFile == "":
		return cliOptions{}, errors.New("-accounts is required")
	case o.recipientsFile == "" && o.recipients == "":
		return cliOptions{}, errors.New("one of -recipients or -to is required")
	case strings.TrimSpace(o.subject) == "":
		return cliOptions{}, errors.New("-subject is required")
	case o.bodyFile == "" && o.body == "":
		return cliOptions{}, errors.New("one of -body-file or -body is required")
	case o.workers < 1 || o.workers > config.MaxWorkers:
		return cliOptions{}, fmt.Errorf("-workers must be between 1 and %d", config.MaxWorkers)
	}
	return o, nil
}

func run(ctx context.Context, args []string, cfg config.Config, log zerolog.Logger, stdout io.Writer) error {
	opts, err := parseFlags(args, cfg, stdout)
	if err != nil {
		return err
	}

	accounts, err := loadAccounts(opts, log)
	if err != nil {
		return err
	}
	recipients, err := loadRecipients(opts)
	if err != nil {
		return err
	}
	body := opts.body
	if opts.bodyFile != "" {
		data, err := os.ReadFile(opts.bodyFile)
		if err != nil {
			return fmt.Errorf("body: %w", err)
		}
		body = string(data)
	}

	attachments, errs := storage.LoadAttachments(campaign.SplitList(opts.attachments), cfg.AttachmentMaxBytes)
	for _, err := range errs {
		log.Warn().Err(err).Msg("attachment skipped")
	}

	campaignID := opts.campaignID
	if campaignID == "" {
		campaignID = campaign.NewID()
	}
	jobs := campaign.BuildJobs(recipients, campaign.Template{
		ID:          campaignID,
		Subject:     opts.subject,
		Body:        body,
		TrackingURL: cfg.TrackingURL,
		Attachments: attachments,
	})
	if len(jobs) == 0 {
		return errors.New("no recipients")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv, _, err := health.StartHealthServer(cfg.MetricsAddr, reg, log)
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var store *storage.Store
	if cfg.DatabasePath != "" {
		store, err = storage.Open(ctx, cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("tracking store: %w", err)
		}
		defer store.Close()
	}

	d, err := newDispatcher(cfg, log, m)
	if err != nil {
		return err
	}

	log = log.With().Str("campaign", campaignID).Logger()
	log.Info().Int("accounts", len(accounts)).Int("recipients", len(jobs)).Msg("campaign started")

	for _, acc := range accounts {
		if ctx.Err() != nil {
			log.Warn().Str("sender", logging.RedactEmail(acc.Identity)).Msg("interrupted, remaining accounts not run")
			break
		}
		res, err := d.Run(ctx, jobs, acc, opts.workers)
		if err != nil {
			return err
		}
		if store != nil {
			// saved even when interrupted, so the partial result is kept
			if err := store.SaveRun(context.WithoutCancel(ctx), storage.RunRecord{
				CampaignID: campaignID,
				Subject:    opts.subject,
				Sender:     acc.Identity,
				Jobs:       len(jobs),
				Result:     res,
			}); err != nil {
				log.Error().Err(err).Msg("saving run")
			}
		}
		printSummary(stdout, acc.Identity, res)
	}
	return nil
}

func loadAccounts(opts cliOptions, log zerolog.Logger) ([]delivery.Credential, error) {
	lines, err := campaign.ReadLinesFile(opts.accountsFile)
	if err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}
	accounts, err := campaign.SelectAccounts(campaign.ParseAccounts(lines, log), campaign.SplitList(opts.senders))
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, errors.New("no usable accounts")
	}
	return accounts, nil
}

func loadRecipients(opts cliOptions) ([]string, error) {
	var out []string
	if opts.recipientsFile != "" {
		lines, err := campaign.ReadLinesFile(opts.recipientsFile)
		if err != nil {
			return nil, fmt.Errorf("recipients: %w", err)
		}
		for _, line := range lines {
			out = append(out, campaign.SplitList(line)...)
		}
	}
	return append(out, campaign.SplitList(opts.recipients)...), nil
}

func loadProviders(cfg config.Config) (delivery.ProviderTable, error) {
	if cfg.ProvidersFile == "" {
		return delivery.DefaultProviders, nil
	}
	return delivery.LoadProvidersFile(cfg.ProvidersFile)
}

func newDispatcher(cfg config.Config, log zerolog.Logger, m *metrics.Metrics) (*dispatch.Dispatcher, error) {
	providers, err := loadProviders(cfg)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}
	tlsBuilder, err := tlsconfig.NewBuilder(tlsconfig.Options{CAFile: cfg.TLS.CAFile, InsecureSkipVerify: cfg.TLS.Insecure})
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	signer, err := dkim.New(dkim.Options{
		Selector:   cfg.DKIM.Selector,
		Domain:     cfg.DKIM.Domain,
		KeyPath:    cfg.DKIM.KeyPath,
		PrivateKey: cfg.DKIM.PrivateKey,
	})
	if err != nil {
		return nil, err
	}
	composer := email.NewComposer(nil)
	if signer != nil {
		composer = email.NewComposer(signer)
		log.Info().Str("selector", signer.Selector()).Str("domain", signer.Domain()).Msg("dkim signing enabled")
	}
	if cfg.TLS.Insecure {
		log.Warn().Msg("TLS certificate verification disabled")
	}

	return dispatch.New(providers, delivery.NewSMTPConnector(cfg.HeloName, cfg.DialTimeout, tlsBuilder),
		dispatch.WithPollInterval(cfg.PollInterval),
		dispatch.WithDrainTimeout(cfg.DrainTimeout),
		dispatch.WithSendTimeout(cfg.SendTimeout),
		dispatch.WithRateLimit(cfg.SendRate),
		dispatch.WithConnectionReuse(cfg.ReuseConnections),
		dispatch.WithComposer(composer),
		dispatch.WithLogger(log),
		dispatch.WithMetrics(m),
	), nil
}

func printSummary(w io.Writer, sender string, res *dispatch.Result) {
	fmt.Fprintf(w, "%s: %d sent, %d failed, %d skipped", sender, res.Sent, res.Failed, res.Skipped)
	if res.Unaccounted > 0 {
		fmt.Fprintf(w, ", %d unaccounted", res.Unaccounted)
	}
	fmt.Fprintln(w)
	for _, o := range res.Outcomes {
		if o.Status == dispatch.StatusFailed {
			fmt.Fprintf(w, "  failed %s: %s\n", o.Destination, o.Detail)
		}
	}
	if res.Timeout != nil {
		fmt.Fprintf(w, "  warning: %v\n", res.Timeout)
	}
}

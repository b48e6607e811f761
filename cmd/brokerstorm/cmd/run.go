package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/config"
	"brokerstorm/internal/metrics"
	"brokerstorm/internal/progress"
	"brokerstorm/internal/scenario"
)

type runOptions struct {
	configPath  string
	publishers  int
	subscribers int
	timeout     time.Duration
	url         string
	transport   string
	output      string
	quiet       bool
	logLevel    string
	logFormat   string
	metricsAddr string
}

func runCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario against a broker and report what was sent and received",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to YAML scenario file (required)")
	f.IntVar(&opts.publishers, "publishers", 0, "override publishers.count")
	f.IntVar(&opts.subscribers, "subscribers", 0, "override subscribers.count")
	f.DurationVar(&opts.timeout, "timeout", 0, "override the scenario timeout")
	f.StringVar(&opts.url, "url", "", "override broker.url")
	f.StringVar(&opts.transport, "transport", "", "override broker.transport")
	f.StringVarP(&opts.output, "output", "o", "text", "output format: text, json")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress progress output")
	f.StringVar(&opts.logLevel, "log-level", "warning", "log level: debug, info, warning, error")
	f.StringVar(&opts.logFormat, "log-format", "text", "log format: text, json")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command) error {
	if o.output != "text" && o.output != "json" {
		return fail(errors.Errorf("--output must be 'text' or 'json', got %q", o.output))
	}
	logger, err := newLogger(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
	if err != nil {
		return fail(err)
	}

	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return fail(err)
	}
	o.override(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return fail(err)
	}
	sc, err := cfg.Scenario()
	if err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var prog *progress.Progress
	scOpts := []scenario.Option{
		scenario.WithLogger(logger),
		scenario.WithStartHook(func(r scenario.Run) {
			prog = progress.NewProgress(r.Aggregator, r.Active, o.quiet)
			prog.SetOutput(cmd.ErrOrStderr())
			prog.Printf("brokerstorm starting: %d publishers, %d subscribers on %s via %s",
				r.Scenario.Publishers, r.Scenario.Subscribers, r.Scenario.Destination, cfg.Broker.Transport)
			prog.Start()
		}),
	}

	metricsErr := make(chan error, 1)
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if o.metricsAddr != "" {
		rc := metrics.NewRunCollector(nil)
		scOpts = append(scOpts, scenario.WithStartHook(rc.Observe))
		go func() {
			metricsErr <- metrics.Serve(metricsCtx, o.metricsAddr, metrics.NewRegistry(rc), logger)
		}()
	}

	res, runErr := scenario.New(dialer, scOpts...).RunScenario(ctx, sc)
	if prog != nil {
		prog.Stop()
	}
	stopMetrics()
	if o.metricsAddr != "" {
		if err := <-metricsErr; err != nil {
			logger.WithError(err).Warn("metrics server failed")
		}
	}
	if res == nil {
		return fail(runErr)
	}
	interrupted := ctx.Err() != nil
	if runErr != nil && !interrupted {
		return fail(runErr)
	}

	report := res.Report()
	expectations := cfg.Expectations
	if expectations == nil {
		expectations = &collector.Expectations{}
	}
	results := expectations.Check(report)

	out := cmd.OutOrStdout()
	if o.output == "json" {
		collector.FormatJSON(out, report, results)
	} else {
		collector.FormatText(out, report, results)
	}

	if interrupted {
		// Partial results are fine on interrupt.
		return nil
	}
	if !results.Passed {
		if o.output == "text" {
			fmt.Fprintln(cmd.ErrOrStderr(), "\nExpectation check failed!")
		}
		return &exitError{code: ExitExpectationFailed}
	}
	return nil
}

// override applies the flags the user actually set on top of the file.
func (o *runOptions) override(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("publishers") {
		cfg.Publishers.Count = o.publishers
	}
	if f.Changed("subscribers") {
		cfg.Subscribers.Count = o.subscribers
	}
	if f.Changed("timeout") {
		cfg.Timeout = o.timeout
	}
	if f.Changed("url") {
		cfg.Broker.URL = o.url
	}
	if f.Changed("transport") {
		cfg.Broker.Transport = o.transport
	}
}

func newLogger(w io.Writer, level, format string) (*log.Logger, error) {
	logger := log.New()
	logger.SetOutput(w)
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "--log-level")
	}
	logger.SetLevel(lvl)
	switch format {
	case "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, errors.Errorf("--log-format must be 'text' or 'json', got %q", format)
	}
	return logger, nil
}

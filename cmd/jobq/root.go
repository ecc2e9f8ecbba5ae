package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"goa.design/jobq/config"
	"goa.design/jobq/dispatcher"
	"goa.design/jobq/jobq"
)

// app holds the state shared by the commands.
type app struct {
	cfgPath string
	backend string
	debug   bool

	cfg    *config.Config
	ctx    context.Context // log context
	logger jobq.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "jobq",
		Short:        "Cluster-aware serialized job scheduler",
		Long:         "jobq runs jobs one at a time per target resource and concurrently across resources, on any number of nodes sharing the same stores.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "path to YAML configuration file")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "stores backend: redis, postgres or sqlite (overrides the configuration)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logs")

	root.AddCommand(
		newServeCmd(a),
		newSubmitCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
		newQueuesCmd(a),
		newSweepCmd(a),
	)
	return root
}

// init loads the configuration and sets up logging.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.backend != "" {
		cfg.Backend = a.backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if a.debug {
		cfg.Debug = true
	}
	a.cfg = cfg

	format := log.FormatTerminal
	switch cfg.LogFormat {
	case "json":
		format = log.FormatJSON
	case "text":
		format = log.FormatText
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = log.Context(ctx, log.WithFormat(format), log.WithOutput(cmd.ErrOrStderr()))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	a.ctx = ctx
	a.logger = jobq.ClueLogger(ctx)
	return nil
}

// dispatcher returns a dispatcher configured from the application
// configuration.
func (a *app) dispatcher(b *backend, opts ...dispatcher.Option) *dispatcher.Dispatcher {
	d := a.cfg.Dispatcher
	opts = append([]dispatcher.Option{
		dispatcher.WithLogger(a.logger),
		dispatcher.WithWorkers(d.Workers),
		dispatcher.WithBatchSize(d.BatchSize),
		dispatcher.WithPollInterval(d.PollInterval),
		dispatcher.WithClaimTimeout(d.ClaimTimeout),
		dispatcher.WithRecoverySchedule(d.RecoverySchedule),
		dispatcher.WithRetentionInterval(d.RetentionInterval),
	}, opts...)
	if d.SkipLiveOwners {
		opts = append(opts, dispatcher.WithSkipLiveOwners())
	}
	if d.Retention > 0 {
		opts = append(opts, dispatcher.WithRetention(d.Retention))
	}
	if b.locker != nil {
		opts = append(opts, dispatcher.WithLocker(b.locker))
	}
	return dispatcher.New(b.queues, b.jobs, b.cluster, opts...)
}

// withBackend opens the backend, calls fn and closes the backend. join
// controls whether a Redis backend joins the cluster as a live node.
func (a *app) withBackend(join bool, fn func(ctx context.Context, b *backend) error) error {
	b, err := openBackend(a.ctx, a.cfg, a.logger, join)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(a.ctx), 10*time.Second)
		defer cancel()
		if err := b.close(ctx); err != nil {
			log.Errorf(a.ctx, err, "failed to close backend")
		}
	}()
	return fn(a.ctx, b)
}

// parseID parses a job ID argument.
func parseID(arg string) (int64, error) {
	var id int64
	if _, err := fmt.Sscan(arg, &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job ID %q", arg)
	}
	return id, nil
}

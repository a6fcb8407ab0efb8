package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opentalon/apichain/internal/config"
	"github.com/opentalon/apichain/internal/logging"
	"github.com/opentalon/apichain/internal/orchestrator"
	"github.com/opentalon/apichain/internal/state/store"
	"github.com/opentalon/apichain/internal/telemetry"
	"github.com/opentalon/apichain/internal/version"
)

type options struct {
	configPath string
	chain      string
	question   string
	save       bool
	load       bool
	list       bool
	schedule   bool
	jobs       jobOptions
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "apichain.yaml", "path to config file")
	flag.StringVar(&opts.chain, "chain", "", "chain to run or save")
	flag.StringVar(&opts.question, "question", "", "question to answer")
	flag.BoolVar(&opts.save, "save", false, "store the configured chain in the registry")
	flag.BoolVar(&opts.load, "load", false, "run the chain from the registry instead of the config")
	flag.BoolVar(&opts.list, "list", false, "list chains in the registry")
	flag.BoolVar(&opts.schedule, "schedule", false, "run configured schedules until interrupted")
	flag.BoolVar(&opts.jobs.list, "jobs", false, "list scheduled jobs")
	flag.StringVar(&opts.jobs.add, "job-add", "", "add a dynamic job asking -question of -chain on -job-spec")
	flag.StringVar(&opts.jobs.spec, "job-spec", "", "cron spec for -job-add")
	flag.StringVar(&opts.jobs.remove, "job-remove", "", "remove a dynamic job")
	flag.StringVar(&opts.jobs.pause, "job-pause", "", "pause a job")
	flag.StringVar(&opts.jobs.resume, "job-resume", "", "resume a paused job")
	flag.StringVar(&opts.jobs.run, "job-run", "", "run a job once and print the answer")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(promReg)
	if cfg.Telemetry.MetricsAddr != "" {
		srv := serveMetrics(cfg.Telemetry.MetricsAddr, promReg, logger)
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	d := deps{providers: providers, logger: logger, metrics: metrics}

	needsRegistry := opts.save || opts.load || opts.list
	var reg store.Registry
	if needsRegistry {
		reg, err = store.Open(ctx, cfg.State)
		if err != nil {
			return err
		}
		defer func() { _ = reg.Close() }()
	}

	switch {
	case opts.list:
		return listChains(ctx, reg)
	case opts.jobs.requested():
		return manageJobs(cfg, d, opts)
	case opts.schedule:
		return runSchedules(ctx, cfg, d)
	}

	if opts.chain == "" {
		return errors.New("-chain is required")
	}

	var chain *orchestrator.Chain
	if opts.load {
		rec, err := reg.Load(ctx, opts.chain)
		if err != nil {
			return err
		}
		chain, err = loadChain(cfg, rec, opts.chain, d)
		if err != nil {
			return err
		}
	} else {
		chain, err = buildChain(cfg, opts.chain, d)
		if err != nil {
			return err
		}
	}

	if opts.save {
		if err := reg.Save(ctx, opts.chain, chain.Serialize()); err != nil {
			return err
		}
		logger.Info("chain saved", zap.String("chain", opts.chain), zap.String("driver", cfg.State.Driver))
	}

	if opts.question == "" {
		if opts.save {
			return nil
		}
		return errors.New("-question is required")
	}
	answer, err := chain.Call(ctx, opts.question)
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}

func listChains(ctx context.Context, reg store.Registry) error {
	entries, err := reg.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\n", e.Name, e.ChainType, e.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runSchedules(ctx context.Context, cfg *config.Config, d deps) error {
	sched, err := newScheduler(cfg, d)
	if err != nil {
		return err
	}
	if err := sched.Start(configJobs(cfg)); err != nil {
		return err
	}
	d.logger.Info("scheduler started", zap.Int("jobs", len(sched.ListJobs())))

	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sched.Stop(sctx)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("metrics server started", zap.String("addr", addr))
	return srv
}

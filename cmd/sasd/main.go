// Command sasd runs the CBRS SAS controller: the device fleet, its HTTP
// command API, Prometheus metrics and a gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/api"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/config"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/events"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/fleet"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/observability"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/store"
)

type options struct {
	configPath  string
	apiAddr     string
	grpcAddr    string
	metricsAddr string
	logLevel    string
}

func parseFlags(args []string) (options, *pflag.FlagSet, error) {
	var o options
	fs := pflag.NewFlagSet("sasd", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", os.Getenv(config.EnvConfigPath), "path to the YAML config file")
	fs.StringVar(&o.apiAddr, "listen", "", "HTTP command API address (overrides listen.api)")
	fs.StringVar(&o.grpcAddr, "grpc-addr", "", "gRPC health address (overrides listen.grpc)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Prometheus /metrics address (overrides listen.metrics)")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}
	return o, fs, nil
}

// loadConfig reads the config file and applies flags set on the command line.
func loadConfig(o options, fs *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if fs.Changed("listen") {
		cfg.Listen.API = o.apiAddr
	}
	if fs.Changed("grpc-addr") {
		cfg.Listen.GRPC = o.grpcAddr
	}
	if fs.Changed("metrics-addr") {
		cfg.Listen.Metrics = o.metricsAddr
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

func main() {
	o, fs, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := loadConfig(o, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(cfg.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.Listen.API)
	if err != nil {
		log.Error(ctx, "failed to listen for API", logging.String("addr", cfg.Listen.API), logging.Err(err))
		os.Exit(1)
	}
	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "sasd exited", logging.Err(err))
		os.Exit(1)
	}
}

// run wires the fleet and serves until ctx is cancelled, then shuts every
// server and device down within cfg.ShutdownTimeout.
func run(ctx context.Context, cfg config.Config, log logging.Logger, apiLis net.Listener) error {
	log = logging.OrNoop(log)

	tracing := observability.TracingConfigFromEnv()
	for _, p := range cfg.SAS {
		tracing.Providers = append(tracing.Providers, string(p.Provider))
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	apiMetrics, err := observability.NewAPICollector(reg)
	if err != nil {
		return fmt.Errorf("api metrics: %w", err)
	}
	fleetMetrics, err := observability.NewFleetCollector(reg)
	if err != nil {
		return fmt.Errorf("fleet metrics: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn(context.Background(), "store close failed", logging.Err(err))
		}
	}()

	var pub events.Publisher = events.Noop()
	if cfg.Events.Enabled {
		nc, err := events.ConnectNATS(cfg.Events.NATS, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		pub = nc
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn(context.Background(), "event publisher close failed", logging.Err(err))
		}
	}()

	providers, err := sas.BuildRegistry(cfg.Providers(), fleetMetrics, log)
	if err != nil {
		return fmt.Errorf("sas providers: %w", err)
	}

	f := fleet.New(providers,
		fleet.WithStore(st),
		fleet.WithPublisher(pub),
		fleet.WithCollector(fleetMetrics),
		fleet.WithLogger(log),
		fleet.WithDeviceConfig(cfg.Device()),
		fleet.WithStoreTimeout(cfg.StoreTimeout),
	)
	restored, err := f.Restore(ctx)
	if err != nil {
		_ = f.Shutdown(context.Background())
		return fmt.Errorf("restore fleet: %w", err)
	}
	log.Info(ctx, "fleet restored", logging.Int("devices", restored), logging.String("store", cfg.Store.Backend))

	apiSrv := &http.Server{
		Handler:           api.NewServer(f, api.WithLogger(log), api.WithMetrics(apiMetrics)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(ctx, "serving command API", logging.String("addr", apiLis.Addr().String()))
		return ignoreClosed(apiSrv.Serve(apiLis))
	})

	var metricsSrv *http.Server
	if cfg.Listen.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.HandlerFor(reg))
		metricsSrv = &http.Server{Addr: cfg.Listen.Metrics, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info(ctx, "serving Prometheus metrics", logging.String("addr", cfg.Listen.Metrics))
			return ignoreClosed(metricsSrv.ListenAndServe())
		})
	}

	var grpcSrv *grpc.Server
	var healthSrv *health.Server
	if cfg.Listen.GRPC != "" {
		lis, err := net.Listen("tcp", cfg.Listen.GRPC)
		if err != nil {
			_ = f.Shutdown(context.Background())
			return fmt.Errorf("listen grpc %s: %w", cfg.Listen.GRPC, err)
		}
		grpcSrv = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			log.Info(ctx, "serving gRPC health", logging.String("addr", cfg.Listen.GRPC))
			return grpcSrv.Serve(lis)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if healthSrv != nil {
			healthSrv.Shutdown()
		}
		err := apiSrv.Shutdown(sctx)
		if metricsSrv != nil {
			err = errors.Join(err, metricsSrv.Shutdown(sctx))
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return errors.Join(err, f.Shutdown(sctx))
	})

	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

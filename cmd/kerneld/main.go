// Command kerneld runs the vat kernel as a long-lived daemon: it opens the
// durable store, wires every subsystem via internal/kernel, resumes any
// subclusters left running from a prior process, drives the crank's
// dispatch loop, and serves the Host API over the control-API gRPC
// listener. Grounded on the teacher's cmd/nova daemon command.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/vatkernel/internal/config"
	"github.com/oriys/vatkernel/internal/controlapi"
	"github.com/oriys/vatkernel/internal/kernel"
	"github.com/oriys/vatkernel/internal/kstore"
	"github.com/oriys/vatkernel/internal/logging"
	"github.com/oriys/vatkernel/internal/metrics"
	"github.com/oriys/vatkernel/internal/observability"
	"github.com/oriys/vatkernel/internal/queue"
	"github.com/oriys/vatkernel/internal/scheduler"
	"github.com/oriys/vatkernel/internal/subcluster"
	"github.com/oriys/vatkernel/internal/vatsupervisor"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "kerneld",
		Short: "Run the vat kernel control plane daemon",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON config file (optional, env vars still apply on top)")
	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the kernel daemon and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			ctx := context.Background()
			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
			}

			store, err := kstore.NewPostgresKernelStore(ctx, cfg.Store.DSN)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			var notifier queue.Notifier
			if cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
				notifier = queue.NewRedisNotifier(client)
			} else {
				notifier = queue.NewChannelNotifier()
			}
			defer notifier.Close()

			k := kernel.New(*cfg, store, notifier, workerFactory(cfg.VatSupervisor))

			if err := k.Resume(ctx); err != nil {
				logging.Op().Warn("resume subclusters failed", "error", err)
			}

			runCtx, cancel := context.WithCancel(ctx)
			go k.Run(runCtx)

			sched := scheduler.New(store)
			if err := sched.Start(cfg.Crank.ReapSchedule); err != nil {
				logging.Op().Warn("reap scheduler failed to start", "error", err)
			}

			var listener *controlapi.Listener
			if cfg.GRPC.Enabled {
				listener = controlapi.NewListener(k)
				if err := listener.Start(cfg.GRPC.Addr); err != nil {
					cancel()
					return fmt.Errorf("start control API: %w", err)
				}
			}

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				mux := http.NewServeMux()
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("ok"))
				})
				mux.Handle("/metrics", metrics.PrometheusHandler())
				httpServer = &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("health/metrics server error", "error", err)
					}
				}()
				logging.Op().Info("health/metrics endpoint started", "addr", cfg.Daemon.HTTPAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			if listener != nil {
				listener.Stop()
			}
			if httpServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(shutdownCtx)
				shutdownCancel()
			}
			sched.Stop()
			cancel()
			return nil
		},
	}
}

// workerFactory extends subcluster.DefaultWorkerFactory with a "vsock"
// bundle when the operator has configured a guest CID/port to dial, giving
// subcluster manifests a way to opt a vat into the genuinely isolated
// AF_VSOCK worker instead of the in-process counter reference bundle.
func workerFactory(cfg config.VatSupervisorConfig) subcluster.WorkerFactory {
	return func(bundle string) (vatsupervisor.Worker, error) {
		if bundle == "vsock" && cfg.VsockEnabled {
			return vatsupervisor.NewVsockWorker(cfg.VsockCID, cfg.VsockPort), nil
		}
		return subcluster.DefaultWorkerFactory(bundle)
	}
}

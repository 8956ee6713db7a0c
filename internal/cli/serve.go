package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/blocksync/internal/channel"
	"github.com/roach88/blocksync/internal/channel/redisrelay"
	"github.com/roach88/blocksync/internal/channel/wsrelay"
	"github.com/roach88/blocksync/internal/metrics"
	"github.com/roach88/blocksync/internal/store"
)

// RedisAddrEnv names the environment variable consulted when --redis is unset.
const RedisAddrEnv = "BLOCKSYNC_REDIS_ADDR"

// shutdownTimeout bounds how long serve waits for open requests on exit.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr        string
	Database    string
	Redis       string
	RedisPrefix string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a websocket relay",
		Long: `Run a relay that puts every session's writes in one total order.

Participants connect to /sessions/{name} over websockets. By default the
relay sequences in process, optionally persisting each session to a SQLite
log with --db. With --redis (or ` + RedisAddrEnv + `) sessions are
sequenced by Redis Streams instead, so several relays can share them.

Prometheus metrics are served at /metrics and a liveness probe at /healthz.

Examples:
  blocksync serve
  blocksync serve --addr :9000 --db ./blocksync.db
  blocksync serve --redis localhost:6379 --redis-prefix staging`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8081", "listen address")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite log (in-process relay only)")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "Redis address; sequences sessions in Redis Streams (env "+RedisAddrEnv+")")
	cmd.Flags().StringVar(&opts.RedisPrefix, "redis-prefix", "", "prefix for Redis stream keys")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := opts.Logger(cmd.ErrOrStderr())
	if opts.Redis == "" {
		opts.Redis = os.Getenv(RedisAddrEnv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, closeRelay, err := newServeHandler(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer closeRelay()

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", opts.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "relay stopped", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	return nil
}

// newServeHandler builds the relay for opts and the websocket server in
// front of it. The returned function releases the relay's resources.
func newServeHandler(ctx context.Context, opts *ServeOptions, logger *slog.Logger) (http.Handler, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "register metrics", err)
	}

	var (
		transport channel.Transport
		closers   []func() error
	)

	switch {
	case opts.Redis != "":
		if opts.Database != "" {
			return nil, nil, NewExitError(ExitCommandError, "--db and --redis cannot be combined")
		}
		client := redis.NewClient(&redis.Options{Addr: opts.Redis})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, WrapExitError(ExitCommandError, fmt.Sprintf("connect to redis at %s", opts.Redis), err)
		}
		closers = append(closers, client.Close)

		ropts := []redisrelay.Option{
			redisrelay.WithMetrics(m),
			redisrelay.WithLogger(logger),
		}
		if opts.RedisPrefix != "" {
			ropts = append(ropts, redisrelay.WithPrefix(opts.RedisPrefix))
		}
		transport = redisrelay.NewTransport(client, ropts...)
		logger.Info("sequencing sessions in redis", "addr", opts.Redis)

	default:
		hopts := []channel.HubOption{
			channel.WithMetrics(m),
			channel.WithLogger(logger),
		}
		if opts.Database != "" {
			st, err := store.Open(opts.Database)
			if err != nil {
				return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
			}
			closers = append(closers, st.Close)
			hopts = append(hopts, channel.WithLog(st))
			logger.Info("persisting sessions", "db", opts.Database)
		}
		hub := channel.NewHub(hopts...)
		// the hub goes before the log it writes to
		closers = append([]func() error{hub.Close}, closers...)
		transport = hub
	}

	srv := wsrelay.NewServer(transport,
		wsrelay.WithServerLogger(logger),
		wsrelay.WithGatherer(reg),
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}
	return srv, closeAll, nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	henchman "github.com/glimte/henchman-go"
	"github.com/glimte/henchman-go/health"
	"github.com/glimte/henchman-go/interceptors"
	"github.com/glimte/henchman-go/internal/config"
	"github.com/glimte/henchman-go/internal/rabbitmq"
	"github.com/glimte/henchman-go/internal/telemetry"
	"github.com/glimte/henchman-go/messaging"
	"github.com/glimte/henchman-go/monitor"
	"github.com/glimte/henchman-go/schema"
)

// app carries what every command shares
type app struct {
	out    io.Writer
	errOut io.Writer
	dial   henchman.Dialer // nil dials RabbitMQ

	cfg    *config.Config
	logger *slog.Logger
	outMu  sync.Mutex
}

type globalFlags struct {
	url       string
	prefetch  int
	logLevel  string
	logFormat string
}

func newRootCmd(a *app) *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:           "henchman",
		Short:         "Job queue workers over RabbitMQ",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd, flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ URL (overrides AMQP_URL)")
	cmd.PersistentFlags().IntVar(&flags.prefetch, "prefetch", 1, "Unacknowledged deliveries per consumer (overrides PREFETCH)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "text or json (overrides LOG_FORMAT)")

	cmd.AddCommand(
		newEnqueueCmd(a),
		newPublishCmd(a),
		newRouteCmd(a),
		newWorkCmd(a),
	)
	return cmd
}

// setup loads the environment and lets changed flags override it
func (a *app) setup(cmd *cobra.Command, flags globalFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pf := cmd.Flags()
	if pf.Changed("url") {
		cfg.AMQPURL = flags.url
	}
	if pf.Changed("prefetch") {
		cfg.Prefetch = flags.prefetch
	}
	if pf.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if pf.Changed("log-format") {
		cfg.LogFormat = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = telemetry.SetupLogger(a.errOut, cfg.LogLevel, cfg.LogFormat)
	a.logger.Debug("configuration loaded", "config", cfg.String())
	return nil
}

func (a *app) client(options ...henchman.ClientOption) (*henchman.Client, error) {
	opts := []henchman.ClientOption{
		henchman.WithLogger(a.logger),
		henchman.WithChannelOptions(henchman.ChannelOptions{Prefetch: a.cfg.Prefetch, AutoRecovery: true}),
	}
	if a.dial != nil {
		opts = append(opts, henchman.WithDialer(a.dial))
	}
	return henchman.NewClient(a.cfg.AMQPURL, append(opts, options...)...)
}

// stop shuts the client down within SHUTDOWN_TIMEOUT
func (a *app) stop(client *henchman.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	return client.Stop(ctx)
}

// print writes v as one JSON line
func (a *app) print(v any) error {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	return json.NewEncoder(a.out).Encode(v)
}

type publishFlags struct {
	headers       map[string]string
	correlationID string
	ttl           time.Duration
	raw           bool
}

func (f *publishFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringToStringVarP(&f.headers, "header", "H", nil, "Application header key=value (repeatable)")
	cmd.Flags().StringVar(&f.correlationID, "correlation-id", "", "Correlation ID")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "Per-message expiration")
	cmd.Flags().BoolVar(&f.raw, "raw", false, "Send the argument as a JSON string instead of parsing it")
}

func (f *publishFlags) options() []messaging.PublishOption {
	var opts []messaging.PublishOption
	for k, v := range f.headers {
		opts = append(opts, messaging.WithHeader(k, v))
	}
	if f.correlationID != "" {
		opts = append(opts, messaging.WithCorrelationID(f.correlationID))
	}
	if f.ttl > 0 {
		opts = append(opts, messaging.WithTTL(f.ttl))
	}
	return opts
}

// message parses arg as JSON unless raw is set
func (f *publishFlags) message(arg string) (any, error) {
	if f.raw {
		return arg, nil
	}
	var msg any
	if err := json.Unmarshal([]byte(arg), &msg); err != nil {
		return nil, fmt.Errorf("message is not valid JSON (use --raw to send text): %w", err)
	}
	return msg, nil
}

// send runs one publish and shuts the client down
func (a *app) send(cmd *cobra.Command, flags *publishFlags, arg string, fn func(ctx context.Context, client *henchman.Client, msg any, opts []messaging.PublishOption) error) (err error) {
	msg, err := flags.message(arg)
	if err != nil {
		return err
	}

	client, err := a.client()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.stop(client))
	}()

	return fn(cmd.Context(), client, msg, flags.options())
}

func newEnqueueCmd(a *app) *cobra.Command {
	flags := &publishFlags{}
	cmd := &cobra.Command{
		Use:   "enqueue QUEUE MESSAGE",
		Short: "Send a JSON message to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, flags, args[1], func(ctx context.Context, client *henchman.Client, msg any, opts []messaging.PublishOption) error {
				return client.Enqueue(ctx, args[0], msg, opts...)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newPublishCmd(a *app) *cobra.Command {
	flags := &publishFlags{}
	cmd := &cobra.Command{
		Use:   "publish EXCHANGE MESSAGE",
		Short: "Broadcast a JSON message on a fanout exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.send(cmd, flags, args[1], func(ctx context.Context, client *henchman.Client, msg any, opts []messaging.PublishOption) error {
				return client.Publish(ctx, args[0], msg, opts...)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRouteCmd(a *app) *cobra.Command {
	flags := &publishFlags{}
	cmd := &cobra.Command{
		Use:   "route ROUTE MESSAGE",
		Short: `Send a JSON message along a route such as "resize,store:enqueue,done:publish"`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			route, err := messaging.ParseRoute(args[0])
			if err != nil {
				return err
			}
			return a.send(cmd, flags, args[1], func(ctx context.Context, client *henchman.Client, msg any, opts []messaging.PublishOption) error {
				return client.Dispatch(ctx, route, msg, opts...)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

type workFlags struct {
	fanout  bool
	next    string
	rate    float64
	burst   int
	timeout time.Duration
	schema  string
}

func newWorkCmd(a *app) *cobra.Command {
	flags := &workFlags{}
	cmd := &cobra.Command{
		Use:   "work NAME...",
		Short: "Consume queues (or fanout exchanges) and print each message",
		Long: `Starts one worker per NAME. Each message is printed to stdout as a JSON
line. With --next each JSON object message is forwarded to another queue
after printing; other messages (strings, numbers, arrays) are printed and
acknowledged but not forwarded.
With --schema each message is validated first; invalid ones are not printed.
When METRICS_ADDR is set, /metrics, /healthz and /livez are served there.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.work(ctx, args, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.fanout, "fanout", false, "Treat names as fanout exchanges")
	cmd.Flags().StringVar(&flags.next, "next", "", "Forward object messages to this queue")
	cmd.Flags().Float64Var(&flags.rate, "rate", 0, "Maximum tasks per second per worker (0 is unlimited)")
	cmd.Flags().IntVar(&flags.burst, "burst", 1, "Rate limiter burst")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Per-task handler timeout")
	cmd.Flags().StringVar(&flags.schema, "schema", "", "JSON schema file every message must satisfy")
	return cmd
}

type printedTask struct {
	Worker        string         `json:"worker"`
	MessageID     string         `json:"messageId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	Message       any            `json:"message"`
}

// work runs tap workers until ctx ends
func (a *app) work(ctx context.Context, names []string, flags *workFlags) (err error) {
	var validator *schema.Schema
	if flags.schema != "" {
		if validator, err = schema.LoadFile(flags.schema); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	metrics, err := monitor.NewPrometheusCollector(reg)
	if err != nil {
		return err
	}

	client, err := a.client(
		henchman.WithPublishObserver(metrics),
		henchman.WithStateListener(metrics),
	)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.stop(client))
	}()

	if err := reg.Register(monitor.NewWorkerStateCollector(client.Workers)); err != nil {
		return err
	}

	handler := func(_ context.Context, t *messaging.Task) (any, error) {
		headers := t.Headers()
		if err := a.print(printedTask{
			Worker:        t.QueueName(),
			MessageID:     headers.MessageID,
			CorrelationID: headers.CorrelationID,
			Headers:       headers.Table,
			Message:       t.Message(),
		}); err != nil {
			return nil, err
		}
		if flags.next == "" {
			return nil, nil
		}
		return map[string]any{messaging.FieldNextQueue: flags.next}, nil
	}

	for _, name := range names {
		// one chain per worker so each gets its own rate limiter
		builder := interceptors.NewDefaultInterceptorChainBuilder(a.logger).
			WithLogging().
			WithMetrics(metrics)
		if flags.rate > 0 {
			builder.WithRateLimit(flags.rate, flags.burst)
		}
		if flags.timeout > 0 {
			builder.WithTimeout(flags.timeout)
		}
		if validator != nil {
			builder.WithValidation(validator)
		}
		mw := messaging.WithMiddleware(builder.Build().Middleware())

		if flags.fanout {
			_, err = client.Receiver(name, handler, mw)
		} else {
			_, err = client.Job(name, handler, mw)
		}
		if err != nil {
			return err
		}
	}

	if err := client.Consume(ctx); err != nil {
		return err
	}
	metrics.SetConnected(client.Manager().IsChannelOpen())
	a.logger.Info("workers consuming", "names", names, "fanout", flags.fanout)

	if a.cfg.MetricsAddr != "" {
		shutdown, err := a.serveMetrics(reg, client.Manager(), client.Workers)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	<-ctx.Done()
	a.logger.Info("shutting down", "timeout", a.cfg.ShutdownTimeout)
	return nil
}

// serveMetrics exposes Prometheus metrics and health checks on METRICS_ADDR
func (a *app) serveMetrics(reg *prometheus.Registry, manager *rabbitmq.ConnectionManager, workers func() []*messaging.Worker) (func(), error) {
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	checks := health.NewRegistry()
	checks.SetMetadata("version", version)
	checks.Register(health.NewBrokerChecker(manager, false))
	checks.Register(health.NewWorkerChecker(workers))
	checks.Register(health.NewRuntimeChecker(5000, 50000))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())

	ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", a.cfg.MetricsAddr, err)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

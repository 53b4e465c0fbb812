package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/amictl/internal/config"
	"github.com/danmuck/amictl/internal/engine"
	"github.com/danmuck/amictl/internal/logging"
	"github.com/danmuck/amictl/internal/protocol/frame"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// keyValues collects repeated key=value flags.
type keyValues []string

func (kv *keyValues) String() string { return strings.Join(*kv, ",") }

func (kv *keyValues) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	*kv = append(*kv, v)
	return nil
}

type options struct {
	configPath  string
	envPath     string
	initPath    string
	metricsAddr string
	action      string
	fields      keyValues
	vars        keyValues
	timeout     time.Duration
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("amictl", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	fs.StringVar(&opts.envPath, "env", ".env", "optional .env file")
	fs.StringVar(&opts.initPath, "init", "", "write a starter config to this path and exit")
	fs.StringVar(&opts.metricsAddr, "metrics", "", "metrics listen address (overrides config)")
	fs.StringVar(&opts.action, "action", "", "send one action, print the response and exit")
	fs.Var(&opts.fields, "field", "action field as key=value (repeatable)")
	fs.Var(&opts.vars, "var", "channel variable as name=value (repeatable)")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "connect and response timeout for -action")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "amictl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	if opts.initPath != "" {
		if err := config.WriteTemplate(opts.initPath, false); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", opts.initPath)
		return nil
	}
	if err := config.LoadDotEnv(opts.envPath); err != nil {
		return err
	}
	logging.ConfigureRuntime()
	logger := logging.L().With().Str("component", "amictl").Logger()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.MetricsAddr = opts.metricsAddr
	}

	eng, err := engine.New(engine.Config{
		Session:       cfg.Session,
		Logger:        &logger,
		OnStateChange: logStateChange(logger),
	})
	if err != nil {
		return err
	}
	defer eng.Disconnect()

	if opts.action != "" {
		return sendOnce(ctx, eng, opts, out)
	}
	return serve(ctx, eng, cfg, logger)
}

func logStateChange(logger zerolog.Logger) func(engine.StateChange) {
	return func(c engine.StateChange) {
		if c.Err != nil {
			logger.Warn().Err(c.Err).Str("from", c.From.String()).Str("to", c.To.String()).Msg("amictl session state")
			return
		}
		logger.Info().Str("from", c.From.String()).Str("to", c.To.String()).Msg("amictl session state")
	}
}

func buildAction(opts options) (frame.Action, error) {
	action := frame.NewAction(opts.action)
	for _, kv := range opts.fields {
		key, value, _ := strings.Cut(kv, "=")
		action.Set(strings.TrimSpace(key), value)
	}
	for _, kv := range opts.vars {
		name, value, _ := strings.Cut(kv, "=")
		action.SetVar(frame.KeyVariable, strings.TrimSpace(name), value)
	}
	return action, action.Validate()
}

func sendOnce(ctx context.Context, eng *engine.Engine, opts options, out io.Writer) error {
	action, err := buildAction(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if err := eng.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	msg, err := eng.Do(ctx, action)
	if err != nil {
		return fmt.Errorf("%s: %w", action.Name(), err)
	}
	printMessage(out, msg)
	return nil
}

func printMessage(out io.Writer, msg frame.Message) {
	for _, key := range msg.Fields.Keys() {
		for _, v := range msg.Fields.Values(key) {
			fmt.Fprintf(out, "%s: %s\n", key, v)
		}
	}
	for name, vars := range msg.Variables {
		for k, v := range vars {
			fmt.Fprintf(out, "%s: %s=%s\n", name, k, v)
		}
	}
	if msg.Content != "" {
		fmt.Fprintln(out, msg.Content)
	}
}

// serve keeps the session up, logs every event and exposes metrics until ctx ends.
func serve(ctx context.Context, eng *engine.Engine, cfg config.Config, logger zerolog.Logger) error {
	eng.Subscribe(engine.TopicAll, func(msg frame.Message) {
		logger.Info().Str("event", msg.Name).Strs("keys", msg.Fields.Keys()).Msg("amictl event")
	})
	eng.Subscribe(engine.TopicUnclassified, func(msg frame.Message) {
		logger.Debug().Str("kind", msg.Kind.String()).Str("action_id", msg.ActionID).Msg("amictl unclassified")
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := eng.Connect(ctx)
		switch {
		case err == nil:
			logger.Info().Str("addr", cfg.Session.Address()).Msg("amictl connected")
			return nil
		case ctx.Err() != nil:
			return nil
		case cfg.Session.KeepConnected:
			logger.Warn().Err(err).Msg("amictl initial connect failed, retrying in background")
			return nil
		default:
			return fmt.Errorf("connect: %w", err)
		}
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("amictl metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		eng.Disconnect()
		return nil
	})
	return g.Wait()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WynonnaSR/hypr-opaque-media/internal/config"
	"github.com/WynonnaSR/hypr-opaque-media/internal/control"
	"github.com/WynonnaSR/hypr-opaque-media/internal/engine"
	"github.com/WynonnaSR/hypr-opaque-media/internal/ipc"
	"github.com/WynonnaSR/hypr-opaque-media/internal/metrics"
	"github.com/WynonnaSR/hypr-opaque-media/internal/notify"
	"github.com/WynonnaSR/hypr-opaque-media/internal/session"
	"github.com/WynonnaSR/hypr-opaque-media/internal/util"
)

const (
	notifyInterval  = 30 * time.Second
	notifyBurst     = 3
	shutdownTimeout = 2 * time.Second
)

func checkEnvironment() error {
	if _, err := exec.LookPath("hyprctl"); err != nil {
		return fmt.Errorf("hyprctl not found or failed to run: %w", err)
	}
	if os.Getenv("HYPRLAND_INSTANCE_SIGNATURE") == "" || os.Getenv("XDG_RUNTIME_DIR") == "" {
		return errors.New("not in a Hyprland session (HYPRLAND_INSTANCE_SIGNATURE/XDG_RUNTIME_DIR missing)")
	}
	return nil
}

// newLogger builds the daemon logger from cfg. The returned closer releases
// the log file, if any.
func newLogger(cfg *config.Config, sink metrics.Sink) (*util.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	rotated := false
	if cfg.LogFile != "" {
		f, didRotate, err := util.OpenLogFile(cfg.LogFile, int64(cfg.MaxLogFileSizeBytes), cfg.MaxLogRotations)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
		rotated = didRotate
	}
	logger := util.NewLoggerWithFormat(util.ParseLogLevel(cfg.LogLevel), util.ParseLogFormat(cfg.LogFormat), out)
	if rotated {
		metrics.Inc(sink, metrics.LogFileRotations)
		logger.Infof("rotated log file %s", cfg.LogFile)
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func runDaemon(parent context.Context, st settings) error {
	if err := checkEnvironment(); err != nil {
		return err
	}

	cfg, raw, rejected, err := loadStartupConfig(st.configPath)
	if err != nil {
		return err
	}
	st.overrides.apply(cfg)

	collector := metrics.NewCollector(cfg.EnableMetrics)
	var sink metrics.Sink = collector
	var prom *metrics.Prometheus
	if cfg.MetricsListen != "" {
		prom = metrics.NewPrometheus()
		sink = metrics.Multi(collector, prom)
	}

	logger, logCloser, err := newLogger(cfg, sink)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	if rejected != nil {
		logger.Errorf("config load error in %s, continuing with defaults: %v", st.configPath, rejected)
	}
	logWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	requests := make(chan string, 1)
	queue := func(reason string) error {
		select {
		case requests <- reason:
		default:
			logger.Debugf("reload already pending, dropping request (%s)", reason)
		}
		return nil
	}

	var watcherStarted bool
	if cfg.UseWatchdog {
		watcher, target, werr := newConfigWatcher(st.configPath, logger)
		if werr != nil {
			logger.Warnf("config watcher start failed, falling back to polling: %v", werr)
		} else {
			defer watcher.Close()
			watcherStarted = true
			go watchConfig(ctx, logger, watcher, target, func(reason string) { _ = queue(reason) })
			logger.Infof("watching %s for changes", target)
		}
	}
	st.overrides.noWatcher = !watcherStarted
	st.overrides.apply(cfg)

	rs, err := compileRuleset(cfg, logger, sink)
	if err != nil {
		return err
	}
	logger.Infof("config loaded from %s: %s", st.configPath, cfg.Summary())
	logger.Debugf("matcher: %s", rs.Matcher.Stats())

	client, strategy, err := ipc.NewDaemonClient(logger, ipc.DispatchStrategy(cfg.Dispatch), ipc.WithMetrics(sink))
	if err != nil {
		return fmt.Errorf("configure dispatch strategy: %w", err)
	}
	logger.Infof("using %s dispatch strategy", strategy)
	if info, err := client.Probe(ctx); err != nil {
		logger.Warnf("unable to read Hyprland version: %v", err)
	} else {
		logger.Infof("Hyprland version %s (address filter: %s)", info.Version, client.FilterSupport())
	}

	proc := engine.New(client, rs, logger, sink)
	if err := proc.Rebuild(ctx); err != nil {
		logger.Warnf("initial window scan failed: %v", err)
	}
	current, _ := proc.Len()
	logger.Debugf("cache size after initial apply: %d windows", current)

	dbus := notify.NewDBus()
	defer dbus.Close()
	notifier := notify.NewLimited(dbus, notifyInterval, notifyBurst, logger, sink)

	reloader := newConfigReloader(st.configPath, logger, collector, sink, st.overrides, cfg, raw, config.ModTime(st.configPath))
	sup := session.New(proc, session.Options{
		Dial:      ipc.DialEvents,
		Source:    reloader,
		Requests:  requests,
		Notifier:  notifier,
		Metrics:   sink,
		Collector: collector,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				_ = queue("received SIGHUP")
			}
		}
	})
	if cfg.ControlSocket {
		srv, err := control.NewServer("", sup, proc, collector, logger, queue)
		if err != nil {
			logger.Warnf("control socket disabled: %v", err)
		} else {
			g.Go(func() error {
				if err := srv.Serve(gctx); err != nil {
					logger.Warnf("control socket disabled: %v", err)
				}
				return nil
			})
		}
	}
	if prom != nil {
		serveMetrics(gctx, g, cfg.MetricsListen, prom, logger)
	}

	err = g.Wait()
	switch {
	case err == nil:
		logger.Infof("stopped")
		return nil
	case errors.Is(err, session.ErrReconnectExhausted):
		return err
	default:
		logger.Errorf("daemon stopped: %v", err)
		return err
	}
}

// serveMetrics exposes the Prometheus registry on addr until ctx is done. A
// listener failure is logged and does not stop the daemon.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, prom *metrics.Prometheus, logger *util.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logger.Infof("serving metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("metrics endpoint disabled: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

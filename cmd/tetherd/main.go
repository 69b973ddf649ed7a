package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"tethercloak/bypass"
	"tethercloak/health"
	"tethercloak/ops"
	"tethercloak/recovery"
	"tethercloak/tether"
	"tethercloak/util"
)

func main() {
	initDaemonLogCapture()

	logLevel, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logrus.SetLevel(logLevel)

	if len(os.Args) == 2 && isVersionArg(os.Args[1]) {
		fmt.Println(util.BuildInfo())
		return
	}

	configPath := flag.String("config", "", "Daemon config file path (JSON)")
	controlAddr := flag.String("control", "", "Control address override")
	cmd := flag.String("cmd", "", "Control command: status | connect | disconnect | health | logs [n] [level]")
	flag.Parse()

	cfg, err := resolveConfig(*configPath, *cmd == "")
	if err != nil {
		logrus.Fatalln("load config:", err)
	}
	if *controlAddr != "" {
		cfg.Control = *controlAddr
	}

	if *cmd != "" {
		if err := runControlCommand(cfg.Control, *cmd); err != nil {
			logrus.Fatalln(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, cfg); err != nil {
		logrus.Fatalln(err)
	}
}

func isVersionArg(arg string) bool {
	switch arg {
	case "-v", "--version", "version":
		return true
	}
	return false
}

// resolveConfig loads the profile from the given path, from the user
// config dir when present, or falls back to built-in defaults. On a
// first daemon run with no profile anywhere, persistDefaults writes
// the defaults to the user config dir so the operator has a file to
// edit.
func resolveConfig(path string, persistDefaults bool) (*daemonProfileConfig, error) {
	if path != "" {
		return loadDaemonConfig(path)
	}
	defaultPath, pathErr := defaultDaemonConfigPath()
	if pathErr == nil {
		if _, statErr := os.Stat(defaultPath); statErr == nil {
			return loadDaemonConfig(defaultPath)
		}
	}
	cfg := &daemonProfileConfig{}
	if err := normalizeAndValidateConfig(cfg); err != nil {
		return nil, err
	}
	if persistDefaults && pathErr == nil {
		if err := saveDaemonConfig(defaultPath, cfg); err != nil {
			logrus.Warnf("[Daemon] write default config %s: %v", defaultPath, err)
		} else {
			logrus.Infof("[Daemon] wrote default config %s", defaultPath)
		}
	}
	return cfg, nil
}

func runDaemon(ctx context.Context, cfg *daemonProfileConfig) error {
	raiseNoFileLimit()
	logrus.Infof("[Daemon] %s starting, control on %s", util.BuildInfo(), cfg.Control)

	runner := ops.NewRunner(cfg.CommandSlots)

	layers := bypass.DefaultCatalog()
	if cfg.LayerCatalog != "" {
		var err error
		layers, err = bypass.LoadCatalog(cfg.LayerCatalog)
		if err != nil {
			return fmt.Errorf("layer catalog: %w", err)
		}
	}

	entries := recovery.DefaultCatalog()
	if cfg.ErrorCatalog != "" {
		var err error
		entries, err = recovery.LoadCatalog(cfg.ErrorCatalog)
		if err != nil {
			return fmt.Errorf("error catalog: %w", err)
		}
	}
	classifier, err := recovery.NewClassifier(entries)
	if err != nil {
		return fmt.Errorf("error catalog: %w", err)
	}

	machine := tether.NewMachine(tether.Deps{
		Runner:     runner,
		Resolver:   tether.NewResolver(runner, cfg.ProxyPort),
		Validator:  tether.NewProxyValidator(cfg.ProxyProbeURL, 0),
		Pipeline:   bypass.NewPipeline(runner),
		Layers:     layers,
		Classifier: classifier,
		Engine:     recovery.NewEngine(runner),
		Sink:       daemonSink{},
	}, cfg.machineConfig())

	machine.Start(ctx)

	if err := startControlServer(ctx, cfg.Control, machine); err != nil {
		machine.Stop()
		return fmt.Errorf("control server: %w", err)
	}

	if cfg.Metrics != "" {
		go func() {
			if err := health.ServeMetrics(cfg.Metrics); err != nil {
				logrus.Warnf("[Daemon] metrics endpoint failed: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logrus.Info("[Daemon] shutting down")
	machine.Stop()
	return nil
}

// daemonSink surfaces orchestrator events in the daemon log; the
// control socket and metrics endpoint read the structured state.
type daemonSink struct{}

func (daemonSink) StateChanged(oldState, newState tether.State) {
	logrus.Infof("[Daemon] state %s -> %s", oldState, newState)
}

func (daemonSink) HealthDegraded(sample health.Sample) {
	logrus.Warnf("[Daemon] connection degraded: latency=%dms loss=%.0f%% integrity=%d%%",
		sample.LatencyMS, sample.LossPct, sample.Integrity)
}

func (daemonSink) RecoveryAttempted(attempt recovery.Attempt) {
	logrus.Infof("[Daemon] recovery %s for %s", attempt.Outcome, attempt.Record.Code)
}

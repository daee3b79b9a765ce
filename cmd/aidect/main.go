package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dj-oyu/zm-aidect/internal/config"
	"github.com/dj-oyu/zm-aidect/internal/inference"
	"github.com/dj-oyu/zm-aidect/internal/logger"
	"github.com/dj-oyu/zm-aidect/internal/metrics"
	"github.com/dj-oyu/zm-aidect/internal/recorder"
	"github.com/dj-oyu/zm-aidect/internal/replay"
	"github.com/dj-oyu/zm-aidect/internal/shm"
	"github.com/dj-oyu/zm-aidect/internal/trigger"
	"github.com/dj-oyu/zm-aidect/internal/worker"
	"github.com/dj-oyu/zm-aidect/internal/zone"
	"github.com/dj-oyu/zm-aidect/internal/zoneminder"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	// Command-line flags, each overriding the settings file when given
	configPath  = flag.String("config", "", "Settings file (default "+config.DefaultPath+" if present)")
	zmConf      = flag.String("zm-conf", "", "ZoneMinder zm.conf path")
	backend     = flag.String("backend", "", "Inference backend ("+strings.Join(inference.Backends(), ", ")+")")
	endpoint    = flag.String("endpoint", "", "Remote inference service URL (http backend)")
	triggerMode = flag.String("trigger", "", "Trigger mode (shm, socket)")
	metricsAddr = flag.String("metrics", "", "Metrics server address, empty to disable")
	dumpDir     = flag.String("dump", "", "Write snapshots of triggering frames to this directory")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", false, "Enable colored log output")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] <command> <id>

Commands:
  run <monitor-id>     Watch a monitor and trigger alarms on detections
  test <monitor-id>    Run the pipeline on one live frame and fire one trigger
  replay <event-id>    Print the detections the pipeline finds in a recorded event

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if flag.NArg() != 2 {
		flag.Usage()
		return exitUsage
	}
	command := flag.Arg(0)
	id, err := strconv.ParseUint(flag.Arg(1), 10, 64)
	if err != nil || id == 0 {
		fmt.Fprintf(os.Stderr, "Invalid id %q\n", flag.Arg(1))
		return exitUsage
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Printf("Failed to load settings: %v", err)
		return exitUsage
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Printf("Invalid log level: %v", err)
		return exitUsage
	}
	logger.Init(level, os.Stderr, cfg.Logging.Color)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "run":
		logger.SetTag(fmt.Sprintf("m%d", id))
		err = runMonitor(ctx, cfg, int(id))
	case "test":
		logger.SetTag(fmt.Sprintf("m%d", id))
		err = testMonitor(ctx, cfg, int(id))
	case "replay":
		err = replayEvent(ctx, cfg, id)
	default:
		flag.Usage()
		return exitUsage
	}

	if err != nil {
		logger.Error("Main", "%v", err)
		return exitFailure
	}
	return exitOK
}

// loadConfig reads the settings file and applies explicitly set flags
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	switch {
	case *configPath != "":
		c, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	default:
		if _, err := os.Stat(config.DefaultPath); err == nil {
			c, err := config.Load(config.DefaultPath)
			if err != nil {
				return nil, err
			}
			cfg = c
		} else {
			cfg = config.Default()
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "zm-conf":
			cfg.ZoneMinder.ConfPath = *zmConf
		case "backend":
			cfg.Engine.Backend = *backend
		case "endpoint":
			cfg.Engine.Endpoint = *endpoint
		case "trigger":
			cfg.Trigger.Mode = *triggerMode
		case "metrics":
			cfg.Metrics.Addr = *metricsAddr
		case "dump":
			cfg.Dump.Dir = *dumpDir
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-color":
			cfg.Logging.Color = *logColor
		}
	})
	return cfg, cfg.Validate()
}

// openHost loads zm.conf and connects to the host database
func openHost(cfg *config.Config) (*zoneminder.DB, string, error) {
	conf, err := zoneminder.LoadConf(cfg.ZoneMinder.ConfPath, cfg.ZoneMinder.ConfDir)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", worker.ErrStartup, err)
	}
	mapDir := conf.PathMap
	if cfg.ZoneMinder.PathMap != "" {
		mapDir = cfg.ZoneMinder.PathMap
	}

	dsn := cfg.ZoneMinder.DSN
	if dsn == "" {
		dsn = conf.DSN()
	}
	db, err := zoneminder.Open(cfg.ZoneMinder.DBDriver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", worker.ErrStartup, err)
	}
	return db, mapDir, nil
}

// openTrigger builds the host trigger, optionally decorated with notes
// updates and mirrored to the event bus
func openTrigger(cfg *config.Config, db *zoneminder.DB, mapDir string) (trigger.Trigger, error) {
	var primary trigger.Trigger
	switch strings.ToLower(cfg.Trigger.Mode) {
	case "socket":
		s, err := trigger.NewSocket(cfg.Trigger.Socket, cfg.Trigger.Cause, cfg.Trigger.Duration, cfg.Trigger.AckTimeout)
		if err != nil {
			return nil, err
		}
		primary = s
	default:
		primary = trigger.NewSharedMemory(mapDir, cfg.Trigger.Cause, cfg.Trigger.AckTimeout)
	}

	if cfg.Trigger.UpdateNotes {
		primary = trigger.WithNotes(primary, db)
	}

	if cfg.Events.NATSURL == "" {
		return primary, nil
	}
	format, err := trigger.ParseFormat(cfg.Events.Format)
	if err != nil {
		return nil, err
	}
	pub, err := trigger.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, format)
	if err != nil {
		// The bus is a mirror; alarms still reach the host without it
		logger.Warn("Main", "Event bus disabled: %v", err)
		return primary, nil
	}
	return trigger.NewFanout(primary, pub), nil
}

func newWorker(cfg *config.Config, db *zoneminder.DB, mapDir string, monitorID int, configs worker.ConfigSource, m *metrics.Metrics, trg trigger.Trigger, snaps worker.SnapshotSink) *worker.Worker {
	return worker.New(worker.Deps{
		MonitorID: monitorID,
		Monitors:  db,
		Config:    configs,
		OpenSource: func(mon *zoneminder.Monitor) (worker.FrameSource, error) {
			r, err := shm.NewReader(shm.ReaderConfig{
				MapDir:           mapDir,
				MonitorID:        mon.ID,
				Width:            mon.Width,
				Height:           mon.Height,
				ImageBufferCount: mon.ImageBufferCount,
				StaleAfter:       cfg.Worker.StaleAfter,
			})
			if err != nil {
				return nil, err
			}
			return r, nil
		},
		OpenEngine: func() (inference.Engine, error) {
			return inference.Open(cfg.Inference())
		},
		Trigger:   trg,
		Snapshots: snaps,
		Metrics:   m,
	}, cfg.Worker)
}

func runMonitor(ctx context.Context, cfg *config.Config, monitorID int) error {
	logger.Info("Main", "aidect starting for monitor %d", monitorID)
	logger.Info("Main", "  Backend: %s, trigger: %s", cfg.Engine.Backend, cfg.Trigger.Mode)

	db, mapDir, err := openHost(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	trg, err := openTrigger(cfg, db, mapDir)
	if err != nil {
		return fmt.Errorf("%w: trigger: %w", worker.ErrStartup, err)
	}

	m := metrics.New(monitorID)
	watcher := zone.NewWatcher(monitorID, db, cfg.Worker.PollInterval, m)
	go watcher.Run(ctx)

	var (
		snaps worker.SnapshotSink
		rec   *recorder.Recorder
	)
	if cfg.Dump.Dir != "" {
		rec = recorder.NewRecorder(cfg.Dump.Dir, cfg.Dump.Queue)
		if err := rec.Start(); err != nil {
			logger.Warn("Main", "Snapshot dumps disabled: %v", err)
			rec = nil
		} else {
			defer rec.Close()
			snaps = rec
		}
	}

	w := newWorker(cfg, db, mapDir, monitorID, watcher, m, trg, snaps)

	if cfg.Metrics.Addr != "" {
		router := metrics.NewRouter(m, func() any {
			status := map[string]any{"loop": w.GetStatus()}
			if rec != nil {
				status["dump"] = rec.GetStatus()
			}
			return status
		})
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Addr, router); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	err = w.Run(ctx)
	logger.Info("Main", "Stopped (state %s)", w.State())
	return err
}

func testMonitor(ctx context.Context, cfg *config.Config, monitorID int) error {
	db, mapDir, err := openHost(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	trg, err := openTrigger(cfg, db, mapDir)
	if err != nil {
		return fmt.Errorf("%w: trigger: %w", worker.ErrStartup, err)
	}

	watcher := zone.NewWatcher(monitorID, db, cfg.Worker.PollInterval, nil)
	if _, err := watcher.Poll(ctx); err != nil {
		if watcher.Current() == nil {
			return fmt.Errorf("zone configuration: %w", err)
		}
		logger.Warn("Main", "Zone configuration: %v (using defaults)", err)
	}

	w := newWorker(cfg, db, mapDir, monitorID, watcher, nil, trg, nil)
	defer w.Close()

	res, err := w.SelfTest(ctx)
	if res != nil {
		fmt.Printf("Engine:     %s\n", res.Engine)
		fmt.Printf("Config:     %s\n", res.Config)
		fmt.Printf("Frame:      %d (inference %s)\n", res.FrameSeq, res.Inference.Round(time.Millisecond))
		for _, d := range res.Detections {
			fmt.Printf("Detection:  %s\n", d.Annotation())
		}
		if res.Triggered {
			fmt.Printf("Triggered:  monitor event %d via %s\n", res.Ack.EventID, res.Ack.Backend)
		}
	}
	if errors.Is(err, shm.ErrHostUnavailable) {
		return fmt.Errorf("monitor %d is not capturing: %w", monitorID, err)
	}
	return err
}

func replayEvent(ctx context.Context, cfg *config.Config, eventID uint64) error {
	db, _, err := openHost(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ev, err := db.Event(ctx, eventID)
	if err != nil {
		return err
	}
	storage, err := db.StoragePath(ctx, ev.StorageID)
	if err != nil {
		return err
	}
	logger.SetTag(fmt.Sprintf("m%d", ev.MonitorID))

	watcher := zone.NewWatcher(ev.MonitorID, db, cfg.Worker.PollInterval, nil)
	if _, err := watcher.Poll(ctx); err != nil {
		if watcher.Current() == nil {
			return fmt.Errorf("zone configuration: %w", err)
		}
		logger.Warn("Main", "Zone configuration: %v (using defaults)", err)
	}
	zc := watcher.Current()

	engine, err := inference.Open(cfg.Inference())
	if err != nil {
		return fmt.Errorf("%w: %w", worker.ErrStartup, err)
	}
	defer engine.Close()

	dir := ev.Dir(storage)
	src, err := replay.Open(ctx, dir, ev.DefaultVideo)
	if err != nil {
		return err
	}
	defer src.Close()

	logger.Info("Main", "Replaying event %d of monitor %d from %s with %s (%s)",
		eventID, ev.MonitorID, dir, zc.Format(), engine.Info())
	stats, err := worker.Replay(ctx, src, zc, engine, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Printf("%d frames, %d detections\n", stats.Frames, stats.Detections)
	return nil
}

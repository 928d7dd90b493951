package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/serialdata/internal/calstore"
	"github.com/banshee-data/serialdata/internal/config"
	"github.com/banshee-data/serialdata/internal/db"
	"github.com/banshee-data/serialdata/internal/export"
	"github.com/banshee-data/serialdata/internal/frame"
	"github.com/banshee-data/serialdata/internal/serialport"
	"github.com/banshee-data/serialdata/internal/session"
	"github.com/banshee-data/serialdata/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON session config (default "+config.DefaultConfigPath+" if present)")
	devMode    = flag.Bool("dev", false, "Use a synthetic instrument instead of a serial port")
	listPorts  = flag.Bool("list-ports", false, "List serial ports and exit")
	showVer    = flag.Bool("version", false, "Print version and exit")
	mode       = flag.String("mode", "continuous", "One of continuous, offset, scaling, noise")

	port     = flag.String("port", "", "Serial port (overrides config)")
	baud     = flag.Int("baud", 0, "Baud rate (overrides config)")
	window   = flag.Int("window", 0, "Sample window for offset/scaling, sample count for noise (overrides config)")
	target   = flag.Float64("target", 0, "Reference value for offset/scaling")
	index    = flag.Int("index", 0, "Flat frame index for scaling")
	dataDir  = flag.String("data", "", "Directory for calibration files and CSV exports (overrides config)")
	dbPath   = flag.String("db", "", "Measurement journal path (overrides config)")
	noDB     = flag.Bool("no-db", false, "Disable the measurement journal")
	load     = flag.Bool("load", true, "Load saved offset and scaling at start")
	save     = flag.Bool("save", true, "Save the calibration after an offset or scaling run")
	interval = flag.Duration("report", time.Second, "Continuous mode: log interval")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}
	if *listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var journal *db.DB
	if path := cfg.GetDBPath(); path != "" && !*noDB {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Fatalf("failed to create journal dir: %v", err)
		}
		journal, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("failed to open measurement journal: %v", err)
		}
		defer journal.Close()
	}

	opts := session.Options{
		Port:            cfg.GetPort(),
		PortOptions:     cfg.PortOptions(),
		AveragingWindow: cfg.GetAveragingWindow(),
		SkipPartialLine: cfg.GetSkipPartialLine(),
		Progress: func(count, window int) {
			fmt.Printf("%d/%d\r", count, window)
		},
	}
	if journal != nil {
		opts.Recorder = journal
	}

	var s *session.Session
	if *devMode {
		base := [][]float64{{-13, -124, 333}, {-13, -124, 333}}
		s = session.New(serialport.NewSyntheticPort(base, 2, 50*time.Millisecond), opts)
	} else {
		s, err = session.Open(serialport.RealFactory{}, opts)
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
	}
	defer s.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("%s: waiting for serial data on %s", version.String(), cfg.GetPort())
	if err := s.WaitForFirstData(ctx); err != nil {
		log.Fatalf("no data: %v", err)
	}
	log.Printf("receiving frames of shape %v", s.Shape())

	offsets := calstore.New(nil, filepath.Join(cfg.GetDataDir(), session.OffsetName))
	scalings := calstore.New(nil, filepath.Join(cfg.GetDataDir(), session.ScalingName))
	if *load {
		loadCalibration(ctx, s, offsets, scalings)
	}

	csv := export.NewWriter(nil, cfg.GetDataDir(), nil)

	switch *mode {
	case "continuous":
		err = runContinuous(ctx, s, csv)
	case "offset":
		err = s.MeasureOffset(ctx, cfg.GetOffsetWindow(), *target)
		if err == nil && *save {
			_, err = s.SaveOffset(offsets)
		}
	case "scaling":
		err = s.MeasureScaling(ctx, *index, *target, cfg.GetScalingWindow())
		if err == nil && *save {
			_, err = s.SaveScaling(scalings)
		}
	case "noise":
		err = runNoise(ctx, s, csv, cfg.GetNoiseSamples())
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	fmt.Println()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("%s: %v", *mode, err)
	}
	log.Printf("%s done: offset %v, scaling %v", *mode, s.Calibration().Offset, s.Calibration().Scaling)
}

// loadConfig reads the config file (explicit or default) and applies the
// flags that were set on the command line.
func loadConfig() (*config.SessionConfig, error) {
	cfg := config.DefaultSessionConfig()
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	if path != "" {
		loaded, err := config.LoadSessionConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = port
		case "baud":
			cfg.BaudRate = baud
		case "window":
			cfg.OffsetWindow = window
			cfg.ScalingWindow = window
			cfg.NoiseSamples = window
		case "data":
			cfg.DataDir = dataDir
		case "db":
			cfg.DBPath = dbPath
		}
	})
	return cfg, cfg.Validate()
}

func loadCalibration(ctx context.Context, s *session.Session, offsets, scalings *calstore.Store) {
	if err := s.LoadOffset(ctx, offsets); err != nil && !errors.Is(err, calstore.ErrNotFound) {
		log.Printf("offset not loaded: %v", err)
	}
	if err := s.LoadScaling(ctx, scalings); err != nil && !errors.Is(err, calstore.ErrNotFound) {
		log.Printf("scaling not loaded: %v", err)
	}
}

// runContinuous logs the calibrated read-outs at most once per report
// interval until ctx is cancelled, then exports the last frame and rolling
// mean.
func runContinuous(ctx context.Context, s *session.Session, csv *export.Writer) error {
	newData := s.Signals().NewData
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			snap := s.Snapshot()
			if !snap.Valid() {
				return nil
			}
			return exportSnapshot(csv, snap.Data.Scaled(), snap.Mean.Scaled())
		case <-s.Done():
			return s.Err()
		case <-newData.Done():
			newData.Clear()
			if time.Since(last) < *interval {
				continue
			}
			last = time.Now()
			snap := s.Snapshot()
			if !snap.Valid() {
				continue
			}
			lo, hi := snap.Data.MinMaxScaled()
			mlo, mhi := snap.Mean.MinMaxScaled()
			flo, fhi := snap.Data.MinMaxForeverScaled()
			log.Printf("frame %d: [%.3f, %.3f] mean [%.3f, %.3f] forever [%.3f, %.3f]",
				snap.Counter, lo, hi, mlo, mhi, flo, fhi)
		}
	}
}

func exportSnapshot(csv *export.Writer, data, mean frame.Frame) error {
	outputs := []struct {
		name string
		f    frame.Frame
	}{{"data", data}, {"mean", mean}}
	for _, o := range outputs {
		path, err := csv.WriteIncremental(o.name, export.FrameRows(o.f))
		if err != nil {
			return err
		}
		log.Printf("wrote %s", path)
	}
	return nil
}

func runNoise(ctx context.Context, s *session.Session, csv *export.Writer, samples int) error {
	res, err := s.MeasureNoise(ctx, samples)
	if err != nil {
		return err
	}
	paths, err := csv.WriteNoise(res)
	for _, p := range paths {
		log.Printf("wrote %s", p)
	}
	return err
}

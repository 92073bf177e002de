package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"hls-abr/internal/platform/config"
	"hls-abr/internal/platform/logger"
	"hls-abr/internal/playlist"
	"hls-abr/internal/sim"
)

func main() {
	_ = config.Load()

	defaults := sim.DefaultConfig()
	masterPath := flag.String("master", "", "master playlist file providing the ladder (default: built-in ladder)")
	trace := flag.String("trace", "0s:8e6", "bandwidth trace as offset:bps pairs, e.g. 0s:8e6,30s:1.5e6")
	segments := flag.Int("segments", defaults.Segments, "number of fragments")
	segDur := flag.Float64("segment-duration", defaults.SegmentDuration, "fragment duration in seconds")
	maxBuffer := flag.Float64("max-buffer", defaults.MaxBufferLength, "forward buffer goal in seconds")
	faults := flag.String("faults", "", "injected failures as sn:kind[:times[:status]], kinds load-error, timeout, append-error")
	loadTimeout := flag.Duration("load-timeout", defaults.LoadTimeout, "how long a timeout fault hangs before it is reported")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "text"))

	pc, err := config.Player()
	if err != nil {
		log.Error("invalid player config", "error", err)
		os.Exit(2)
	}
	cfg := defaults
	cfg.Player = pc
	cfg.Segments = *segments
	cfg.SegmentDuration = *segDur
	cfg.MaxBufferLength = *maxBuffer
	cfg.LoadTimeout = *loadTimeout
	if cfg.Faults, err = sim.ParseFaults(*faults); err != nil {
		log.Error("invalid faults", "error", err)
		os.Exit(2)
	}
	if cfg.Trace, err = sim.ParseTrace(*trace); err != nil {
		log.Error("invalid trace", "error", err)
		os.Exit(2)
	}
	if *masterPath != "" {
		f, err := os.Open(*masterPath)
		if err != nil {
			log.Error("open master playlist", "error", err)
			os.Exit(1)
		}
		cfg.Levels, err = playlist.ParseMaster(f)
		f.Close()
		if err != nil {
			log.Error("parse master playlist", "path", *masterPath, "error", err)
			os.Exit(1)
		}
	}

	s, err := sim.New(cfg, log)
	if err != nil {
		log.Error("build simulation", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := s.Run(ctx)
	if err != nil {
		log.Error("simulation interrupted", "error", err)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Error("encode report", "error", err)
			os.Exit(1)
		}
		return
	}
	for _, sw := range report.Switches {
		log.Info("level switch", "at", sw.At, "from", sw.From, "to", sw.To, "bitrate", sw.Bitrate)
	}
	for action, n := range report.Recoveries {
		log.Info("recovery actions", "action", action, "count", n)
	}
	log.Info("simulation finished", "report", report)
	if report.Fatal != "" {
		log.Error("stream failed", "fatal", report.Fatal)
		os.Exit(1)
	}
}

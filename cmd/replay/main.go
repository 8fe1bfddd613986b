// Command replay re-drives a previously recorded binlog of measurements
// through the localization pipeline at a configurable speed, for offline
// diagnosis. Adapted from the teacher's PCAP replay tool: same CLI shape
// and wall-clock pacing logic, driving the pipeline in-process instead of
// re-sending UDP packets.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"uwb-pgo-engine/binlog"
	"uwb-pgo-engine/config"
	"uwb-pgo-engine/localize"
	"uwb-pgo-engine/publish"
)

func main() {
	logPath := flag.String("log", "", "Input binlog file")
	configPath := flag.String("config", "", "Config YAML (anchors, binner, solver tuning)")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (0 for max speed)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if *logPath == "" {
		log.Fatal().Msg("--log is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	sink := publish.NewPublisher(nil, nil, log)
	pipeline := localize.NewPipeline(cfg.AnchorConfig(), cfg.BinnerParams(), cfg.SolverParams(), sink, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()

	go pipeline.Run(ctx)

	if err := replay(ctx, *logPath, *speed, pipeline, log); err != nil && err != io.EOF {
		log.Fatal().Err(err).Msg("replay failed")
	}
}

func replay(ctx context.Context, logPath string, speed float64, pipeline *localize.Pipeline, log zerolog.Logger) error {
	r, err := binlog.OpenReader(logPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", logPath, err)
	}
	defer r.Close()

	var firstTs float64
	var haveFirst bool
	var startReal time.Time
	count := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		ts := rec.Measurement.Timestamp
		if !haveFirst {
			firstTs = ts
			startReal = time.Now()
			haveFirst = true
		} else if speed > 0 {
			targetDelay := time.Duration((ts - firstTs) / speed * float64(time.Second))
			elapsed := time.Since(startReal)
			if targetDelay > elapsed {
				time.Sleep(targetDelay - elapsed)
			}
		}

		// The binner windows against wall-clock time, so each record is
		// re-stamped with the moment it is offered; pacing above keeps the
		// recorded spacing (divided by speed).
		m := rec.Measurement
		m.Timestamp = float64(time.Now().UnixNano()) / 1e9
		pipeline.Offer(m)
		count++
		if count%1000 == 0 {
			log.Info().Int("measurements_replayed", count).Msg("replay progress")
		}
	}

	log.Info().Int("measurements_replayed", count).Msg("replay complete")
	return nil
}

// Command server is the UWB localization engine's single binary: it loads
// a YAML config, wires the MQTT ingress adapter into the binning/edge/solve
// pipeline, and fans solved positions out to the configured WebSocket hub
// and/or UDP/TCP sender. Structural shape grounded on the teacher's
// cmd/udp_server/main.go (flag parsing, setter-injection wiring,
// signal-driven shutdown).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"uwb-pgo-engine/binlog"
	"uwb-pgo-engine/config"
	"uwb-pgo-engine/ingest"
	"uwb-pgo-engine/localize"
	"uwb-pgo-engine/publish"
)

func main() {
	configPath := flag.String("config", "", "Path to config YAML (defaults to $UWB_PGO_CONFIG or config.yaml)")
	logPath := flag.String("binlog", "", "Path to output measurement log (optional)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	if *logPath == "" {
		*logPath = cfg.Binlog.Path
	}

	var tee *binlog.Writer
	if *logPath != "" {
		tee, err = binlog.NewWriter(*logPath)
		if err != nil {
			log.Fatal().Err(err).Msg("opening measurement log")
		}
		defer tee.Close()
		log.Info().Str("path", *logPath).Msg("logging measurements")
	}

	var hub *publish.Hub
	hubStop := make(chan struct{})
	if cfg.Publish.HTTPAddr != "" {
		hub = publish.NewHub(log)
		go hub.Run(hubStop)

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWs)
		srv := &http.Server{Addr: cfg.Publish.HTTPAddr, Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.Publish.HTTPAddr).Msg("websocket server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("websocket server error")
			}
		}()
	}

	var sender *publish.Sender
	if len(cfg.Publish.UDPTargets) > 0 || len(cfg.Publish.TCPTargets) > 0 {
		sender = publish.NewSender(log)
		for _, t := range cfg.Publish.UDPTargets {
			if err := sender.AddUDPTarget(t.Addr, t.Flag); err != nil {
				log.Fatal().Err(err).Str("addr", t.Addr).Msg("invalid UDP target")
			}
		}
		for _, t := range cfg.Publish.TCPTargets {
			sender.AddTCPTarget(t.Addr, t.Flag)
		}
		if err := sender.Start(); err != nil {
			log.Fatal().Err(err).Msg("starting publish sender")
		}
		defer sender.Stop()
	}

	sink := publish.NewPublisher(hub, sender, log)
	pipeline := localize.NewPipeline(cfg.AnchorConfig(), cfg.BinnerParams(), cfg.SolverParams(), sink, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(m localize.Measurement) {
		decision := pipeline.Offer(m)
		if tee != nil && decision.Accepted {
			if err := tee.WriteMeasurement(m); err != nil {
				log.Warn().Err(err).Msg("failed to tee measurement to binlog")
			}
		}
	}

	adapter := ingest.NewAdapter(mqttConfigFrom(cfg), handler, log)
	if err := adapter.Start(); err != nil {
		log.Fatal().Err(err).Msg("starting MQTT ingress adapter")
	}
	defer adapter.Stop()

	go pipeline.Run(ctx)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	log.Info().Msg("shutting down")
	cancel()
	close(hubStop)
}

func mqttConfigFrom(c *config.Config) ingest.Config {
	return ingest.Config{
		Broker:             c.MQTT.Broker,
		ClientID:           c.MQTT.ClientID,
		Username:           c.MQTT.Username,
		Password:           c.MQTT.Password,
		QoS:                *c.MQTT.QoS,
		KeepAlive:          time.Duration(c.MQTT.KeepaliveSecs) * time.Second,
		BaseTopic:          c.MQTT.BaseTopic,
		MinReconnectDelay:  time.Duration(c.MQTT.MinReconnectSecs) * time.Second,
		MaxReconnectDelay:  time.Duration(c.MQTT.MaxReconnectSecs) * time.Second,
		DefaultPhoneNodeID: *c.MQTT.DefaultPhoneNodeID,
	}
}


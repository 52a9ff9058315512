package main

import (
	"flag"
	"net/http"

	"peermesh/internal/infrastructure/signal"
	"peermesh/pkg/config"
	"peermesh/pkg/logger"
)

// Development signaling broker. Production deployments typically run a
// dedicated broker; this one is enough for local rooms and tests.
func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
		addr       = flag.String("addr", ":8081", "listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	broker := signal.NewBroker(cfg.Signal.TokenSecret, log)

	http.HandleFunc("/ws", broker.HandleWebSocket)
	http.HandleFunc("/health", broker.HealthCheck)

	log.Infow("signaling broker listening", "address", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Fatalw("broker failed", "error", err)
	}
}

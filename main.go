package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	appconfig "github.com/pilumvli199/DHAN-WEBSCOKET/config"
	"github.com/pilumvli199/DHAN-WEBSCOKET/internal/channel"
	"github.com/pilumvli199/DHAN-WEBSCOKET/internal/supervisor"
	"github.com/pilumvli199/DHAN-WEBSCOKET/internal/symbols"
	"github.com/pilumvli199/DHAN-WEBSCOKET/logger"
	"github.com/pilumvli199/DHAN-WEBSCOKET/notifier"
	"github.com/pilumvli199/DHAN-WEBSCOKET/reader/dhan"
	"github.com/pilumvli199/DHAN-WEBSCOKET/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	}).Info("starting market feed service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if strings.EqualFold(os.Getenv("CLOUDWATCH_ENABLED"), "true") {
		logger.InitCloudWatch(os.Getenv("AWS_REGION"), os.Getenv("CLOUDWATCH_NAMESPACE"))
	}

	table := symbols.NewTable(cfg.Instrums, cfg.Chain.Underlyings)
	instruments := cfg.Instruments()

	channels := channel.NewChannels(cfg.Channels.QuoteBuffer, cfg.Channels.ChainBuffer)

	client := dhan.NewClient(cfg.Upstream, table)

	var snapshotWriter *writer.SnapshotWriter
	if cfg.Snapshot.Enabled {
		snapshotWriter, err = writer.NewSnapshotWriter(cfg.Snapshot)
		if err != nil {
			log.WithError(err).Error("failed to create snapshot writer")
			os.Exit(1)
		}
		client.SetSnapshotter(snapshotWriter)
	} else {
		log.WithComponent("main").Info("snapshot archive disabled")
	}

	var historyWriter *writer.HistoryWriter
	if cfg.History.Enabled {
		historyWriter = writer.NewHistoryWriter(cfg.History)
	}

	var streamTransport supervisor.StreamTransport
	if cfg.Stream.Enabled {
		streamTransport = dhan.NewStreamClient(cfg.Upstream, table)
	}

	sup := supervisor.New(cfg.Stream, cfg.Poll, streamTransport, client, channels, instruments)
	chainPoller := supervisor.NewChainPoller(cfg.Chain, cfg.Poll.ChainInterval, client, channels)

	var bot *notifier.Bot
	if cfg.Telegram.Enabled {
		bot = notifier.NewBot(cfg.Telegram, cfg.Poll.QuoteInterval)
	} else {
		log.WithComponent("main").Info("telegram notifications disabled")
	}

	var wg sync.WaitGroup

	if snapshotWriter != nil {
		if err := snapshotWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start snapshot writer")
			os.Exit(1)
		}
	}
	if historyWriter != nil {
		if err := historyWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start history writer")
			os.Exit(1)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("transport supervisor stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := chainPoller.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("chain poller stopped")
		}
	}()

	if bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("telegram bot stopped")
			}
		}()
	}

	// Fan updates out to the notifier and the history archive. Both sinks
	// are non-blocking so a slow Telegram API never stalls ingestion.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-channels.Quotes:
				if !ok {
					return
				}
				if bot != nil {
					bot.OfferQuote(upd)
				}
				if historyWriter != nil {
					historyWriter.Record(upd)
				}
			case upd, ok := <-channels.Chains:
				if !ok {
					return
				}
				if bot != nil {
					bot.OfferChain(upd)
				}
			}
		}
	}()

	healthSrv := startHealthServer(sup, log)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	healthSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	if historyWriter != nil {
		log.Info("stopping history writer")
		historyWriter.Stop()
	}
	if snapshotWriter != nil {
		log.Info("stopping snapshot writer")
		snapshotWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Only close the handoff channels once every producer has exited;
		// a straggler sending into a closed channel would panic.
		channels.Close()
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("market feed service stopped")
}

// startHealthServer exposes a keep-alive endpoint for the hosting platform.
// The port comes from the environment because platforms assign it.
func startHealthServer(sup *supervisor.Supervisor, log *logger.Log) *http.Server {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "ok",
			"transport": sup.State().String(),
		})
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("health").WithError(err).Warn("health server stopped")
		}
	}()

	log.WithComponent("health").WithFields(logger.Fields{"port": port}).Info("health endpoint listening")
	return srv
}

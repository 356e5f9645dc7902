package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"github.com/likesync/likesync/config"
	"github.com/likesync/likesync/db"
	"github.com/likesync/likesync/logging"
	"github.com/likesync/likesync/messenger"
	"github.com/likesync/likesync/metrics"
	"github.com/likesync/likesync/service/bot"
	"github.com/likesync/likesync/service/download"
	"github.com/likesync/likesync/service/pipeline"
	"github.com/likesync/likesync/service/scheduler"
	"github.com/likesync/likesync/service/status"
	"github.com/likesync/likesync/service/syncer"
	"github.com/likesync/likesync/tools"
)

const shutdownTimeout = 10 * time.Second

type application struct {
	database *db.DB
	lister   *tools.BreakerLister
	registry *prometheus.Registry
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading configuration")
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)
	logger := logging.Component("main")

	database, err := db.New(cfg.DB.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Error connecting to database")
	}
	defer database.Close()

	if err := database.Initialize(); err != nil {
		logger.Fatal().Err(err).Msg("Error initializing database")
	}

	if err := os.MkdirAll(cfg.Download.Dir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Download.Dir).Msg("Error creating download directory")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("Error connecting to Telegram")
	}
	logger.Info().Str("bot", api.Self.UserName).Msg("authorized on Telegram")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewCollector(registry)

	// --- Service Initializations ---

	tg := messenger.NewTelegram(api, cfg.Telegram.APIRate)
	runner := tools.NewExecRunner(cfg.Tools.Timeout)
	lister := tools.NewBreakerLister(
		tools.NewYTDLP(cfg.Tools.YTDLP, runner),
		cfg.Lister.FailureThreshold,
		cfg.Lister.OpenTimeout,
	)

	trackPipeline := pipeline.New(cfg.Download.Dir, pipeline.Deps{
		Fetcher:    tools.NewSCDL(cfg.Tools.SCDL, runner),
		Transcoder: tools.NewFFmpeg(cfg.Tools.FFmpeg, runner),
		Sender:     tg,
		Store:      database,
		Metrics:    recorder,
	})

	locks := syncer.NewLocks()
	publisher := status.NewPublisher(database, tg, locks, recorder)

	likesSyncer := syncer.New(syncer.Deps{
		Store:     database,
		Locks:     locks,
		Lister:    lister,
		Processor: trackPipeline,
		Publisher: publisher,
		Editor:    tg,
		Metrics:   recorder,
	}, cfg.Sync.ItemPacing)

	syncScheduler := scheduler.New(database, likesSyncer, publisher, scheduler.Config{
		Interval:     cfg.Scheduler.Interval,
		InitialDelay: cfg.Scheduler.InitialDelay,
		UserPacing:   cfg.Scheduler.UserPacing,
	})

	telegramBot := bot.New(bot.Deps{
		Store:      database,
		Status:     publisher,
		Syncer:     likesSyncer,
		Downloader: download.NewHandler(database, tg, trackPipeline),
		UI:         bot.NewTelegramUI(tg),
		Updates:    api,
	})

	app := &application{
		database: database,
		lister:   lister,
		registry: registry,
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           app.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	root := suture.New("likesync", suture.Spec{
		EventHook: eventHook(logging.Component("supervisor")),
		Timeout:   shutdownTimeout,
	})
	root.Add(syncScheduler)
	root.Add(telegramBot)
	root.Add(newHTTPService(server, shutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", server.Addr).Msg("starting likesync")
	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	logger.Info().Msg("likesync stopped")
}

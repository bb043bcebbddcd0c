package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typerace/internal/game"
	"github.com/mcdev12/typerace/internal/gateway"
	"github.com/mcdev12/typerace/internal/protocol"
)

// relayPublisher lets the game service be built before the transport it
// publishes through. Bind is called once during startup, before any
// request can reach the service.
type relayPublisher struct {
	pub game.Publisher
}

func (r *relayPublisher) Bind(pub game.Publisher) { r.pub = pub }

func (r *relayPublisher) Publish(gameID uuid.UUID, msg protocol.Message) error {
	return r.pub.Publish(gameID, msg)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configPath := getEnv("CONFIG_PATH", "config.yaml")
	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("config file not loaded, using defaults")
		cfg = &Config{}
	}

	port := getEnvAsInt("PORT", cfg.Server.Port)
	if port == 0 {
		port = 8080
	}
	natsURL := getEnv("NATS_URL", "")
	redisAddr := getEnv("REDIS_ADDR", "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg := databaseConfigFromEnv()
	pool, err := pgxpool.New(ctx, dbCfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	repo := game.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	var cache game.SnapshotCache
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", redisAddr).Msg("failed to ping redis")
		}
		defer rdb.Close()
		cache = game.NewCache(rdb)
	}

	relay := &relayPublisher{}
	service := game.NewService(repo, cache, relay, clockwork.NewRealClock(), raceConfig(cfg))
	defer service.Close()

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), service)

	if natsURL != "" {
		broker, err := gateway.NewBroker(natsURL, cm)
		if err != nil {
			log.Fatal().Err(err).Str("nats_url", natsURL).Msg("failed to connect to nats")
		}
		defer broker.Close()
		if err := broker.Subscribe(); err != nil {
			log.Fatal().Err(err).Msg("failed to subscribe to race events")
		}
		relay.Bind(broker)
	} else {
		relay.Bind(cm)
	}

	go cm.Start(ctx)

	mux := http.NewServeMux()
	game.NewHandler(service).Register(mux)
	gateway.NewHandler(cm).Register(mux)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"service":     "typerace",
			"connections": cm.ConnectionStats(),
		})
	})

	corsHandler := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{getEnv("CORS_ORIGIN", "*")},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      corsHandler.Handler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Bool("nats", natsURL != "").Bool("redis", redisAddr != "").Msg("typerace server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("typerace server shutdown complete")
}

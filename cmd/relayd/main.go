// relayd runs the reference relay server: Shamir 3-pass lock routes,
// key-info, session verification, and optional account creation.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/passkey_wallet/infrastructure/chain"
	"github.com/R3E-Network/passkey_wallet/infrastructure/config"
	"github.com/R3E-Network/passkey_wallet/infrastructure/logging"
	"github.com/R3E-Network/passkey_wallet/infrastructure/metrics"
	"github.com/R3E-Network/passkey_wallet/infrastructure/ratelimit"
	"github.com/R3E-Network/passkey_wallet/near"
	"github.com/R3E-Network/passkey_wallet/relay"
	"github.com/R3E-Network/passkey_wallet/storage"
)

type relayConfig struct {
	ListenAddr   string `env:"RELAY_LISTEN_ADDR,default=:8080"`
	DatabaseURL  string `env:"RELAY_DATABASE_URL"`
	RedisURL     string `env:"RELAY_REDIS_URL"`
	RotationCron string `env:"RELAY_KEY_ROTATION_CRON"`
	MaxGraceKeys int    `env:"RELAY_MAX_GRACE_KEYS,default=2"`

	RPCURL             string `env:"NEAR_RPC_URL"`
	FunderAccountID    string `env:"RELAY_FUNDER_ACCOUNT_ID"`
	FunderPrivateKey   string `env:"RELAY_FUNDER_PRIVATE_KEY"`
	RegistrarAccountID string `env:"RELAY_REGISTRAR_ACCOUNT_ID,default=testnet"`
}

func main() {
	config.LoadDotEnv()
	log := logging.NewFromEnv("relayd")

	var cfg relayConfig
	if err := config.Decode(&cfg); err != nil {
		log.WithError(err).Fatal("Config load failed")
	}
	jwtSecret, err := config.GetEnvBytes("RELAY_JWT_SECRET")
	if err != nil {
		log.WithError(err).Fatal("RELAY_JWT_SECRET is required")
	}

	keys, err := relay.NewKeyStore(log, cfg.MaxGraceKeys)
	if err != nil {
		log.WithError(err).Fatal("Key store init failed")
	}
	if cfg.RotationCron != "" {
		if _, err := keys.StartRotation(cfg.RotationCron); err != nil {
			log.WithError(err).Fatal("Key rotation schedule invalid")
		}
		defer keys.Stop()
	}

	serverCfg := relay.Config{
		Log:       log,
		Keys:      keys,
		JWTSecret: jwtSecret,
		Metrics:   metrics.New("relayd"),
	}

	if cfg.DatabaseURL != "" {
		store, err := storage.Open(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("Postgres open failed")
		}
		defer store.Close()
		serverCfg.ClientDB = store
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("Redis URL invalid")
		}
		serverCfg.Replay = relay.NewRedisReplayCache(redis.NewClient(opts))
	}

	if cfg.RPCURL != "" && cfg.FunderAccountID != "" && cfg.FunderPrivateKey != "" {
		rpc, err := chain.NewClient(chain.Config{RPCURL: cfg.RPCURL})
		if err != nil {
			log.WithError(err).Fatal("Chain client init failed")
		}
		funder, err := near.ParsePrivateKey(cfg.FunderPrivateKey)
		if err != nil {
			log.WithError(err).Fatal("Funder key invalid")
		}
		serverCfg.RPC = rpc
		serverCfg.Funder = &funder
		serverCfg.FunderAccountID = cfg.FunderAccountID
		serverCfg.RegistrarAccountID = cfg.RegistrarAccountID
	}

	server, err := relay.NewServer(serverCfg)
	if err != nil {
		log.WithError(err).Fatal("Relay server init failed")
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Routes(limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go server.PruneRecoveriesLoop(ctx, time.Hour, 24*time.Hour)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("relayd listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("HTTP server failed")
	}
}

package main

import (
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"

	"github.com/hbkchat/chatserv/internal/chat"
	"github.com/hbkchat/chatserv/internal/crypt"
	"github.com/hbkchat/chatserv/internal/server"
	"github.com/hbkchat/chatserv/internal/storage"
	"github.com/hbkchat/chatserv/internal/storage/memory"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("Cannot parse env config: %v", err)
	}

	key := cfg.EncryptionKey
	if key == "" {
		// ephemeral key: stored ciphertexts from previous runs will
		// not open, acceptable only for development
		key, err = crypt.GenerateKey()
		if err != nil {
			sugar.Fatalf("Cannot generate encryption key: %v", err)
		}
		sugar.Warn("ENCRYPTION_KEY not set, generated an ephemeral one")
	}
	cipher, err := crypt.New(key)
	if err != nil {
		sugar.Fatalf("Cannot create cipher: %v", err)
	}

	var backend chat.Backend
	switch cfg.Backend {
	case "memory":
		backend = memory.New(sugar)
	default:
		storeCfg := storage.Config{}
		if err := env.Parse(&storeCfg); err != nil {
			sugar.Fatalf("Cannot parse storage config: %v", err)
		}

		store, err := storage.New(context.Background(), sugar, storeCfg, storage.ConnectionTimeout(30*time.Second))
		if err != nil {
			sugar.Fatalf("Cannot create Store instance: %v", err)
		}
		backend = store
	}

	registry := chat.NewSessionRegistry(sugar, backend)
	router := chat.NewRouter(sugar, backend, registry, cipher)

	serverOpts := []server.Option{
		server.ReadTimeout(5 * time.Second),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			backend.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(sugar, cfg, backend, router, cipher, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}

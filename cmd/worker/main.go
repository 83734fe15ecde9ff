package main

import (
	"context"
	"log"
	"os"

	"github.com/Domenick1991/staysync/config"
	"github.com/Domenick1991/staysync/internal/bootstrap"
	"github.com/Domenick1991/staysync/internal/email"
	"github.com/Domenick1991/staysync/internal/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	l, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer l.Sync()

	ctx := context.Background()
	app, err := bootstrap.Build(ctx, cfg, l)
	if err != nil {
		l.Fatal("bootstrap", zap.Error(err))
	}
	defer app.Close()

	sender := email.NewSender(l.Named("email"))
	if err := bootstrap.RunWorker(ctx, app, sender); err != nil {
		l.Info("worker stopped", zap.Error(err))
	}
}

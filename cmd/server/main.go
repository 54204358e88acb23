package main

import (
	"context"
	"log"
	"net/http"

	"yesno-exchange/internal/api"
	"yesno-exchange/internal/config"
	"yesno-exchange/internal/db"
	"yesno-exchange/internal/engine"
	"yesno-exchange/internal/ledger"
	"yesno-exchange/internal/position"
	"yesno-exchange/internal/ws"
)

func main() {
	cfg := config.Load()

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	log.Println("[main] connected to database")

	if err := store.Migrate("migrations"); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("[main] migrations applied")

	hub := ws.NewHub()

	l := ledger.New(store)
	pos := position.New(store)
	mgr := engine.NewManager(store, l, pos, hub.Publish, cfg.MatchQueueDepth, cfg.SettlementTimeout)
	if err := mgr.Boot(context.Background()); err != nil {
		log.Fatalf("engine boot: %v", err)
	}

	srv := api.NewServer(store, mgr, l, hub, cfg.JWTSecret)
	router := srv.Router()

	log.Printf("[main] listening on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatalf("server: %v", err)
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cluewire/switchboard/internal/calls"
	"github.com/cluewire/switchboard/internal/config"
	"github.com/cluewire/switchboard/internal/esl"
	"github.com/cluewire/switchboard/internal/presence"
	"github.com/cluewire/switchboard/internal/recordings"
	"github.com/cluewire/switchboard/internal/store"
)

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}
	cfg, err := config.New[config.Config]()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	// Presence fan-out is optional; without Redis the store alone holds
	// presence.
	var notifier presence.Notifier
	if cfg.RedisAddr != "" {
		pub, err := presence.NewPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.PresenceChannel)
		if err != nil {
			log.Fatalf("Failed to connect presence publisher: %v", err)
		}
		defer pub.Close()
		notifier = pub
	}

	dispatcher := esl.NewDispatcher()
	// Coarse event logging; only the interesting names, to keep noise down.
	noteworthy := map[string]bool{
		"CHANNEL_CREATE":          true,
		"CHANNEL_ANSWER":          true,
		"CHANNEL_HANGUP_COMPLETE": true,
		"CUSTOM":                  true,
	}
	dispatcher.OnAny(func(ctx context.Context, frame *esl.Frame) error {
		if noteworthy[frame.EventName()] || cfg.Verbose {
			log.Printf("[Event] %s", frame.EventName())
		}
		return nil
	})

	reconciler := presence.NewReconciler(db, notifier)
	reconciler.Register(dispatcher)

	completion := calls.NewCompletionHandler(db)
	completion.Register(dispatcher)

	manager := esl.NewManager(cfg.ESLAddr, cfg.ESLPassword, dispatcher, cfg.Verbose)
	manager.Bootstrap = func(ctx context.Context, client *esl.Client) error {
		listing, err := client.API(ctx, "show registrations as xml")
		if err != nil {
			return err
		}
		return reconciler.SyncSnapshot(ctx, listing)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Start()

	matcher := recordings.NewMatcher(cfg.RecordingsDir, cfg.SyncInterval(), db)
	go matcher.Run(ctx)

	// SIGHUP is the operator trigger to reinitialize the connection.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			manager.Reconnect()
		}
	}()

	log.Println("===== Switchboard Started =====")
	log.Printf("  Event socket: %s", cfg.ESLAddr)
	log.Printf("  Database:     %s", cfg.DatabasePath)
	log.Printf("  Recordings:   %s (every %s)", cfg.RecordingsDir, cfg.SyncInterval())
	if cfg.RedisAddr != "" {
		log.Printf("  Presence:     redis %s channel %q", cfg.RedisAddr, cfg.PresenceChannel)
	}
	log.Println("===============================")

	<-ctx.Done()

	manager.Stop()
	dispatcher.Stop()
	log.Println("Switchboard stopped")
}

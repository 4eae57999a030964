// Command reconcile merges duplicate conversations left behind by older
// clients. It talks to Firestore directly and emits no realtime events.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"

	"marketchat/internal/adapter/repository"
	"marketchat/internal/usecase"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

func main() {
	pretty := flag.Bool("pretty", false, "indent the JSON report")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.Environment); err != nil {
		logger.Fatal("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.StorageDriver != config.StorageFirestore {
		logger.Fatal("reconcile requires STORAGE_DRIVER=%s", config.StorageFirestore)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opt := option.WithCredentialsFile(cfg.FirebaseServiceAccountPath)
	if cfg.FirebaseServiceAccountJSON != "" {
		opt = option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	}

	client, err := firestore.NewClient(ctx, cfg.FirebaseProject, opt)
	if err != nil {
		logger.Fatal("Failed to create Firestore client: %v", err)
	}
	defer client.Close()

	conversations := repository.NewFirestoreConversationRepository(client)
	unread := usecase.NewUnreadUseCase(conversations)
	reconciler := usecase.NewReconcilerUseCase(
		conversations,
		repository.NewFirestoreUserRepository(client),
		repository.NewFirestoreListingRepository(client),
		unread,
		usecase.NopNotifier{},
	)

	report, err := reconciler.CleanupDuplicates(ctx)
	if err != nil {
		logger.Fatal("Cleanup failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(report); err != nil {
		logger.Error("Failed to write report: %v", err)
	}
	logger.Info("Cleanup finished: groups=%d removed=%d moved=%d", report.DuplicateGroups, report.ConversationsRemoved, report.MessagesMoved)
}

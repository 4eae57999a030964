package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"google.golang.org/api/option"

	fbapp "firebase.google.com/go/v4"

	"marketchat/internal/adapter/api"
	"marketchat/internal/adapter/api/handler"
	apimiddleware "marketchat/internal/adapter/api/middleware"
	"marketchat/internal/adapter/api/router"
	"marketchat/internal/adapter/repository"
	"marketchat/internal/domain/entity"
	domainrepo "marketchat/internal/domain/repository"
	"marketchat/internal/domain/service"
	"marketchat/internal/infrastructure/firebase"
	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/internal/infrastructure/typing"
	"marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

type stores struct {
	conversations domainrepo.ConversationRepository
	users         domainrepo.UserRepository
	listings      domainrepo.ListingRepository
	resolver      service.SessionResolver
	close         func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.Environment); err != nil {
		logger.Fatal("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st *stores
	switch cfg.StorageDriver {
	case config.StorageMemory:
		st = memoryStores()
	default:
		st = firestoreStores(ctx, cfg)
	}
	defer st.close()

	tracker := typing.NewTracker(typing.WithTTL(cfg.TypingTTL))
	go tracker.Run(ctx, cfg.TypingSweepInterval)

	chatLimiter := ratelimit.NewRateLimiter()
	go chatLimiter.Run(ctx, 10*time.Minute)
	httpLimiter := ratelimit.NewRateLimiter()
	go httpLimiter.Run(ctx, 10*time.Minute)

	registry := websocket.NewRegistry()
	dispatcher := websocket.NewDispatcher(registry,
		websocket.WithCreatedFanout(cfg.CreatedFanout),
		websocket.WithOfflineHook(func(_ context.Context, userID string, conversation *entity.Conversation, message *entity.Message) {
			logger.Debug("Offline delivery pending: user=%s, conversation=%s, message=%s", userID, conversation.ID, message.ID)
		}),
	)

	unreadUseCase := usecase.NewUnreadUseCase(st.conversations)
	reconcilerUseCase := usecase.NewReconcilerUseCase(st.conversations, st.users, st.listings, unreadUseCase, dispatcher)
	conversationUseCase := usecase.NewConversationUseCase(
		st.conversations,
		st.listings,
		reconcilerUseCase,
		unreadUseCase,
		tracker,
		dispatcher,
		chatLimiter,
	)

	wsManager := websocket.NewManager(registry, dispatcher, conversationUseCase, websocket.ManagerConfig{
		SendBuffer: cfg.WSSendBuffer,
		WriteWait:  cfg.WSWriteWait,
		PongWait:   cfg.WSPongWait,
		PingPeriod: cfg.PingPeriod(),
	})

	handler.Setup(conversationUseCase, reconcilerUseCase, wsManager, st.resolver, handler.Options{
		MessagePageSize: cfg.MessagePageSize,
		AllowedOrigins:  cfg.WSAllowedOrigins,
		StorageDriver:   cfg.StorageDriver,
	})

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.Validator = api.NewValidator()

	authMiddleware := apimiddleware.NewAuthMiddleware(st.resolver)
	adminMiddleware := apimiddleware.NewAdminMiddleware(st.users)
	rateLimitMiddleware := apimiddleware.NewRateLimitMiddleware(httpLimiter)

	router.Setup(e, authMiddleware, adminMiddleware, rateLimitMiddleware)

	go func() {
		logger.Info("Starting server on port %s (storage=%s)...", cfg.ServerPort, cfg.StorageDriver)
		if err := e.Start(":" + cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed: %v", err)
	}
}

func firestoreStores(ctx context.Context, cfg *config.Config) *stores {
	opt := credentials(cfg)

	firebaseApp, err := fbapp.NewApp(ctx, &fbapp.Config{ProjectID: cfg.FirebaseProject}, opt)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase: %v", err)
	}

	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		logger.Fatal("Failed to initialize Firebase Auth: %v", err)
	}

	firestoreClient, err := firestore.NewClient(ctx, cfg.FirebaseProject, opt)
	if err != nil {
		logger.Fatal("Failed to create Firestore client: %v", err)
	}

	userRepo := repository.NewFirestoreUserRepository(firestoreClient)
	return &stores{
		conversations: repository.NewFirestoreConversationRepository(firestoreClient),
		users:         userRepo,
		listings:      repository.NewFirestoreListingRepository(firestoreClient),
		resolver:      firebase.NewSessionResolver(authClient, userRepo),
		close: func() {
			if err := firestoreClient.Close(); err != nil {
				logger.Warn("Failed to close Firestore client: %v", err)
			}
		},
	}
}

// credentials prefers inline service account JSON over the file path.
func credentials(cfg *config.Config) option.ClientOption {
	if cfg.FirebaseServiceAccountJSON != "" {
		logger.Info("Using Firebase service account from environment variable")
		return option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	}

	if _, err := os.Stat(cfg.FirebaseServiceAccountPath); os.IsNotExist(err) {
		logger.Fatal("Service account file does not exist: %s", cfg.FirebaseServiceAccountPath)
	}
	logger.Info("Using Firebase service account from file: %s", cfg.FirebaseServiceAccountPath)
	return option.WithCredentialsFile(cfg.FirebaseServiceAccountPath)
}

// memoryStores backs local development. Callers authenticate with
// "dev:<userID>" tokens against the seeded users.
func memoryStores() *stores {
	userRepo := repository.NewMemoryUserRepository()
	listingRepo := repository.NewMemoryListingRepository()
	seedDevelopmentData(userRepo, listingRepo)

	logger.Warn("Using in-memory storage; data is lost on restart and dev tokens are accepted")
	return &stores{
		conversations: repository.NewMemoryConversationRepository(),
		users:         userRepo,
		listings:      listingRepo,
		resolver:      firebase.NewDevSessionResolver(userRepo),
		close:         func() {},
	}
}

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"

	"github.com/julienbonastre/allegro-helpers/internal/allegro"
	"github.com/julienbonastre/allegro-helpers/internal/database"
	"github.com/julienbonastre/allegro-helpers/internal/database/postgres"
	"github.com/julienbonastre/allegro-helpers/internal/export"
	"github.com/julienbonastre/allegro-helpers/internal/handlers"
	"github.com/julienbonastre/allegro-helpers/internal/listing"
	"github.com/julienbonastre/allegro-helpers/internal/observability"
	"github.com/julienbonastre/allegro-helpers/internal/redislock"
)

// store is what both the SQLite and the Postgres backends provide
type store interface {
	allegro.TokenStore
	allegro.ProductCache
	listing.Store
	listing.ScoreRecorder
	handlers.AttemptLister
	UpsertInventoryItem(ctx context.Context, item *database.InventoryItem) error
	EnableTokenEncryption(key []byte) error
}

func main() {
	// Command line flags
	port := flag.String("port", "8080", "Server port")
	sandbox := flag.Bool("sandbox", true, "Use Allegro sandbox environment")
	dbPath := flag.String("db", "allegro-helpers.db", "SQLite database path")
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN, overrides -db")
	redisAddr := flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address for the shared token refresh lock")
	rps := flag.Float64("rate", allegro.DefaultRequestsPerSecond, "Outbound Allegro requests per second (0 disables)")
	preventDuplicates := flag.Bool("prevent-duplicate-offers", false, "Reject a second offer for an already listed warehouse item")
	importInventory := flag.String("import-inventory", "", "Import warehouse rows from an xlsx file and exit")
	flag.Parse()

	ctx := context.Background()

	// Storage
	var (
		st           store
		sessionStore sessions.Store
		dbSessions   *database.SessionStore
	)
	sessionKey := loadSessionKey()

	if *databaseURL != "" {
		pool, err := postgres.NewPool(ctx, *databaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pool.Close()
		if err := pool.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate Postgres: %v", err)
		}
		st = postgres.NewStore(pool)
		sessionStore = sessions.NewCookieStore(sessionKey)
		log.Printf("Using Postgres storage")
	} else {
		db, err := database.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		st = db
		dbSessions = database.NewSessionStore(db, sessionKey)
		sessionStore = dbSessions
		log.Printf("Using SQLite storage at %s", *dbPath)
	}

	key, err := database.LoadEncryptionKey()
	if err != nil {
		log.Fatalf("Invalid %s: %v", database.EncryptionKeyEnv, err)
	}
	if key != nil {
		if err := st.EnableTokenEncryption(key); err != nil {
			log.Fatalf("Failed to enable token encryption: %v", err)
		}
		log.Println("Token encryption at rest enabled")
	} else {
		log.Printf("WARNING: %s not set - tokens are stored in plaintext", database.EncryptionKeyEnv)
	}

	if *importInventory != "" {
		if err := runImport(ctx, st, *importInventory); err != nil {
			log.Fatalf("Inventory import failed: %v", err)
		}
		return
	}

	metrics := observability.NewMetrics("", nil)

	// Create Allegro client
	clientOpts := []allegro.Option{
		allegro.WithProductCache(st),
		allegro.WithMetrics(metrics),
	}
	if *redisAddr != "" {
		redisClient := redislock.NewClient(redislock.DefaultConfig(*redisAddr))
		defer redisClient.Close()
		locker := redislock.New(redisClient, nil)
		if err := locker.Ping(ctx); err != nil {
			log.Printf("WARNING: Redis at %s unreachable, refresh lock falls back to in-process: %v", *redisAddr, err)
		}
		clientOpts = append(clientOpts, allegro.WithRefreshLocker(locker))
	}

	allegroClient := allegro.NewClient(allegro.Config{
		ClientID:          os.Getenv("ALLEGRO_CLIENT_ID"),
		ClientSecret:      os.Getenv("ALLEGRO_CLIENT_SECRET"),
		RefreshToken:      os.Getenv("ALLEGRO_REFRESH_TOKEN"),
		Sandbox:           *sandbox,
		RequestsPerSecond: *rps,
	}, st, clientOpts...)

	svc := listing.NewService(st, allegroClient, listing.Options{
		PreventDuplicates: *preventDuplicates,
		Scores:            st,
		Metrics:           metrics,
	})

	// Set up routes
	router := mux.NewRouter()
	handlers.NewHandler(allegroClient, st, svc, st, sessionStore).Register(router)
	router.Handle("/metrics", observability.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCleanup := make(chan struct{})
	if dbSessions != nil {
		go cleanupSessions(dbSessions, stopCleanup)
	}

	go func() {
		log.Printf("Starting Allegro listing helper on http://localhost:%s", *port)
		log.Printf("Sandbox mode: %v", *sandbox)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	if !allegroClient.IsConfigured() {
		log.Println("WARNING: ALLEGRO_CLIENT_ID/ALLEGRO_CLIENT_SECRET not set - Allegro API calls will fail")
	}
	if !allegroClient.HasBootstrapToken() {
		log.Println("WARNING: ALLEGRO_REFRESH_TOKEN not set - a stored token is required")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	close(stopCleanup)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}

	log.Println("Server gracefully stopped")
}

// loadSessionKey reads SESSION_KEY; without it sessions do not survive a restart
func loadSessionKey() []byte {
	if key := os.Getenv("SESSION_KEY"); key != "" {
		return []byte(key)
	}
	log.Println("WARNING: SESSION_KEY not set - using a random key, sessions reset on restart")
	return securecookie.GenerateRandomKey(32)
}

func runImport(ctx context.Context, st store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	items, err := export.ReadInventory(f)
	if err != nil {
		return err
	}
	for i := range items {
		if err := st.UpsertInventoryItem(ctx, &items[i]); err != nil {
			return err
		}
	}
	log.Printf("Imported %d warehouse items from %s", len(items), path)
	return nil
}

func cleanupSessions(s *database.SessionStore, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.CleanupExpiredSessions(context.Background())
			if err != nil {
				log.Printf("Session cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Removed %d expired sessions", n)
			}
		case <-stop:
			return
		}
	}
}

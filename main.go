package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clerk "github.com/clerk/clerk-sdk-go/v2"
	gorilllaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mahoyaAPI/handlers"
	"mahoyaAPI/internal/config"
	"mahoyaAPI/internal/d20"
	"mahoyaAPI/internal/localstore"
	"mahoyaAPI/internal/metrics"
	"mahoyaAPI/internal/notification"
	"mahoyaAPI/internal/workers"
	"mahoyaAPI/middleware"
	"mahoyaAPI/services"

	_ "net/http/pprof"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	if cfg.ClerkSecretKey == "" {
		log.Fatal("CLERK_SECRET_KEY environment variable is not set")
	}
	clerk.SetKey(cfg.ClerkSecretKey)
	log.Println("Clerk initialized successfully")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := services.OpenStore(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatal("Failed to open store:", err)
	}
	defer func() {
		log.Println("Closing store...")
		store.Close()
	}()

	guestStore, err := localstore.Open(cfg.GuestStorePath)
	if err != nil {
		log.Fatal("Failed to open guest store:", err)
	}
	defer guestStore.Close()

	var dispatcher *services.NotificationDispatcher
	fcmService, err := notification.NewFCMService(context.Background(), cfg.FCMCredentialsFile)
	if err != nil {
		log.Printf("Warning: Could not initialize FCM: %v", err)
	} else {
		dispatcher = services.NewNotificationDispatcher(fcmService, 5)
		defer dispatcher.Stop()
		log.Println("FCM Push Provider initialized successfully")
	}

	notificationService := services.NewNotificationService(store, dispatcher)
	gamificationService := services.NewGamificationService(store, guestStore, d20.CryptoSource{}, notificationService)

	middleware.InitPrometheus(prometheus.DefaultRegisterer)
	metrics.Register(prometheus.DefaultRegisterer)

	// Initialize handlers
	gamificationHandler := handlers.NewGamificationHandler(gamificationService)
	d20Handler := handlers.NewD20Handler(gamificationService)
	benefitHandler := handlers.NewBenefitHandler(gamificationService)
	notificationHandler := handlers.NewNotificationHandler(notificationService)
	adminHandler := handlers.NewAdminHandler(gamificationService)
	webhookHandler := handlers.NewWebhookHandler(gamificationService, cfg.ClerkWebhookSecret)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.CleanupVisitors(bgCtx)

	workerDone := workers.StartAchievementWorker(bgCtx, cfg.ReconcileInterval, func(ctx context.Context) error {
		report, err := gamificationService.ReconcileAchievements(ctx)
		if report != nil {
			log.Printf("Achievement reconcile: %d players, %d unlocked, %d failed", report.Players, report.Unlocked, report.Failed)
		}
		return err
	})

	r := mux.NewRouter()
	r.Use(limiter.Middleware)
	r.Use(middleware.MonitorMiddleware)

	r.Handle("/metrics", middleware.BasicAuthMiddleware(cfg.MetricsUser, cfg.MetricsPass)(promhttp.Handler()))
	r.PathPrefix("/debug/pprof/").Handler(middleware.PprofSecurityMiddleware(cfg.PprofSecret)(http.DefaultServeMux))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status": "unhealthy", "error": "store connection failed"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy", "service": "mahoya-api"}`))
	}).Methods("GET")

	r.HandleFunc("/webhooks/clerk", webhookHandler.HandleClerkWebhook).Methods("POST")

	api := r.PathPrefix("/api/v1").Subrouter()

	// Guests are identified by the X-Guest-ID header, not by Clerk.
	api.HandleFunc("/guest/d20", d20Handler.GetGuestState).Methods("GET")
	api.HandleFunc("/guest/d20/roll", d20Handler.GuestRoll).Methods("POST")
	api.HandleFunc("/guest/d20/redeem", d20Handler.GuestRedeem).Methods("POST")
	api.HandleFunc("/guest/d20/popup", d20Handler.ClaimGuestPopup).Methods("POST")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.ClerkAuthMiddleware)

	protected.HandleFunc("/user/progress", gamificationHandler.GetProgress).Methods("GET")
	protected.HandleFunc("/user/achievements", gamificationHandler.GetAchievements).Methods("GET")
	protected.HandleFunc("/user/gamification", gamificationHandler.GetSummary).Methods("GET")

	protected.HandleFunc("/d20", d20Handler.GetState).Methods("GET")
	protected.HandleFunc("/d20/roll", d20Handler.Roll).Methods("POST")
	protected.HandleFunc("/d20/redeem", d20Handler.Redeem).Methods("POST")
	protected.HandleFunc("/d20/qr", d20Handler.GetQRCode).Methods("GET")

	protected.HandleFunc("/benefits", benefitHandler.ListBenefits).Methods("GET")
	protected.HandleFunc("/benefits/{benefitID}/use", benefitHandler.UseBenefit).Methods("POST")

	protected.HandleFunc("/notifications/devices", notificationHandler.RegisterDevice).Methods("POST")

	admin := protected.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminOnly(cfg.IsAdmin))

	admin.HandleFunc("/d20/{userID}/eligibility", adminHandler.GrantD20).Methods("POST")
	admin.HandleFunc("/d20/{userID}/eligibility", adminHandler.RevokeD20).Methods("DELETE")
	admin.HandleFunc("/d20/{userID}/roll", adminHandler.ResetD20).Methods("DELETE")
	admin.HandleFunc("/users/{userID}/xp", adminHandler.AwardXP).Methods("POST")
	admin.HandleFunc("/achievements/reconcile", adminHandler.ReconcileAchievements).Methods("POST")

	corsHandler := gorilllaHandlers.CORS(
		gorilllaHandlers.AllowedOrigins([]string{"*"}),
		gorilllaHandlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		gorilllaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Pprof-Secret", handlers.GuestIDHeader}),
		gorilllaHandlers.ExposedHeaders([]string{"Content-Length"}),
		gorilllaHandlers.AllowCredentials(),
	)

	port := ":" + cfg.Port

	server := http.Server{
		Addr:         port,
		Handler:      corsHandler(r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2*time.Minute + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Error starting server:", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Println("Got signal:", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	stopBackground()
	<-workerDone

	log.Println("Server shutdown complete")
}

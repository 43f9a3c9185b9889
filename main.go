package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/mhuot/pyvisioniq/cache"
	"github.com/mhuot/pyvisioniq/config"
	"github.com/mhuot/pyvisioniq/handlers"
	"github.com/mhuot/pyvisioniq/middleware"
	"github.com/mhuot/pyvisioniq/ratelimit"
	"github.com/mhuot/pyvisioniq/services"
	"github.com/mhuot/pyvisioniq/services/bluelink"
	"github.com/mhuot/pyvisioniq/storage"
)

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC RECOVERED: %v", err)
				log.Printf("Stack trace: %s", debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "Internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s - completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func main() {
	log.Println("Starting PyVisionIQ...")
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	once := flag.Bool("once", false, "run one collection and exit")
	flag.Parse()

	cfg := config.Load()

	store, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	governor := ratelimit.NewGovernor(cfg.APIDailyLimit, cfg.DataDir)

	validity := time.Duration(0.95 * cfg.BaseIntervalMinutes() * float64(time.Minute))
	retention := time.Duration(cfg.CacheDurationHours) * time.Hour
	responseCache := cache.New(cfg.CacheDir, cfg.CacheEnabled, validity, retention)

	api := bluelink.NewAPIClient(
		&http.Client{Timeout: time.Duration(cfg.APITimeoutSeconds) * time.Second},
		bluelink.Credentials{
			Username:  cfg.BluelinkUsername,
			Password:  cfg.BluelinkPassword,
			PIN:       cfg.BluelinkPIN,
			Region:    cfg.BluelinkRegion,
			Brand:     cfg.BluelinkBrand,
			VehicleID: cfg.BluelinkVehicleID,
		},
	)

	if cfg.BluelinkVehicleID == "" {
		vehicles, err := api.ListVehicles()
		if err != nil {
			log.Fatalf("BLUELINK_VEHICLE_ID is not set and the vehicle list could not be fetched: %v", err)
		}
		log.Println("BLUELINK_VEHICLE_ID is not set. Enrolled vehicles:")
		for _, v := range vehicles {
			log.Printf("  %s  %s %s (%s)", v.VehicleID, v.ModelYear, v.ModelName, v.Nickname)
		}
		os.Exit(1)
	}

	tracker := storage.NewSessionTracker(store, cfg)

	var weather *services.WeatherService
	if cfg.WeatherSource == "meteo" {
		weather = services.NewWeatherService(cfg.CacheDir)
	}

	service := services.NewVehicleDataService(api, governor, responseCache, store, tracker, weather, cfg)

	collector := services.NewCollector(service, governor)

	if *once {
		err := collector.RunOnce()
		store.Close()
		if err != nil {
			log.Printf("ERROR: Collection failed: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if cfg.MQTTBroker != "" {
		publisher, err := services.NewPublisher(cfg)
		if err != nil {
			log.Printf("WARNING: MQTT disabled: %v", err)
		} else {
			service.Publisher = publisher
			defer publisher.Close()
		}
	}

	hub := handlers.NewEventsHub()
	service.Notifier = hub

	go collector.Start()

	authHandler := handlers.NewAuthHandler(cfg)
	dashboardHandler := handlers.NewDashboardHandler(service, store, governor, services.NewSystemMonitor(cfg.DataDir))
	tripsHandler := handlers.NewTripsHandler(store)
	sessionsHandler := handlers.NewSessionsHandler(store)
	refreshHandler := handlers.NewRefreshHandler(service)
	cacheHandler := handlers.NewCacheHandler(responseCache, cache.Fingerprint(cfg.BluelinkVehicleID, "full_data"))
	reportsHandler := handlers.NewReportsHandler(services.NewReportGenerator(store, cfg))
	externalHandler := handlers.NewExternalHandler(store, cfg.ExternalAPIKey)
	exportHandler := handlers.NewExportHandler(store)

	r := mux.NewRouter()

	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/api/health", dashboardHandler.Health).Methods("GET")
	// Device pushes carry their own API key, so they stay outside the JWT router.
	r.HandleFunc("/api/external/battery", externalHandler.IngestAuxBattery).Methods("POST")
	r.Handle("/ws/events", hub)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.AuthMiddleware(cfg.JWTSecret, cfg.AuthEnabled))

	apiRouter.HandleFunc("/auth/me", authHandler.Me).Methods("GET")

	apiRouter.HandleFunc("/current-status", dashboardHandler.CurrentStatus).Methods("GET")
	apiRouter.HandleFunc("/battery-history", dashboardHandler.BatteryHistory).Methods("GET")
	apiRouter.HandleFunc("/collection-status", dashboardHandler.CollectionStatus).Methods("GET")
	apiRouter.HandleFunc("/collection-log", dashboardHandler.CollectionLog).Methods("GET")

	apiRouter.HandleFunc("/trips", tripsHandler.List).Methods("GET")
	apiRouter.HandleFunc("/charging-sessions", sessionsHandler.List).Methods("GET")
	apiRouter.HandleFunc("/refresh", refreshHandler.Refresh).Methods("POST")
	apiRouter.HandleFunc("/export", exportHandler.Export).Methods("GET")

	apiRouter.HandleFunc("/cache/files", cacheHandler.ListFiles).Methods("GET")
	apiRouter.HandleFunc("/cache/files/{filename}", cacheHandler.ViewFile).Methods("GET")
	apiRouter.HandleFunc("/cache/files/{filename}", cacheHandler.DeleteFile).Methods("DELETE")
	apiRouter.HandleFunc("/cache/clear-old", cacheHandler.ClearOld).Methods("POST")
	apiRouter.HandleFunc("/cache/errors", cacheHandler.ClearErrors).Methods("DELETE")

	apiRouter.HandleFunc("/reports/monthly", reportsHandler.Monthly).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:4173", "*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	})

	server := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      c.Handler(r),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  180 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on %s", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down...")

	collector.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("ERROR: Server shutdown failed: %v", err)
	}
}

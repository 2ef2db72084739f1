package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	sessionHandler "mentorlink-rtc/internal/handler/session"
	"mentorlink-rtc/internal/media"
	"mentorlink-rtc/internal/middleware"
	"mentorlink-rtc/internal/peer"
	"mentorlink-rtc/internal/room"
	"mentorlink-rtc/internal/security"
	"mentorlink-rtc/internal/signaling"
	"mentorlink-rtc/pkg/config"
	"mentorlink-rtc/pkg/constants"
	"mentorlink-rtc/pkg/logger"
	"mentorlink-rtc/pkg/metrics"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logging
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Session agent starting",
		zap.String("service", cfg.Agent.ServiceName),
		zap.String("environment", cfg.Agent.Environment),
		zap.String("signaling_url", cfg.Signaling.URL))

	// 3. Initialize metrics (default Prometheus registry)
	networkMetrics := metrics.NewNetworkMetrics(nil)

	// 4. Security validator gates every envelope in both directions
	validator := security.NewValidator(cfg.Security, networkMetrics)

	// 5. Signaling transport with the validator as its outbound gate
	transport := signaling.NewWSTransport(cfg.Signaling, validator, networkMetrics)

	// 6. Media controller over the platform capture devices
	mediaCtl := media.NewController(media.NewDeviceOpener(), validator, cfg.Media)

	// 7. Peer connection pool
	pool := peer.NewPool(
		peer.NewPionFactory(cfg.ICE),
		transport.Send,
		func() []*media.LocalTrack {
			if s := mediaCtl.Stream(); s != nil {
				return s.Tracks()
			}
			return nil
		},
		constants.NegotiationTimeout,
		networkMetrics,
	)

	// 8. Session manager ties the pieces together
	manager := room.NewManager(cfg, transport, validator, mediaCtl, pool)

	// Drain notifications so slow diagnostics never stall the dispatcher.
	go func() {
		for n := range manager.Notifications() {
			logger.Debug("Session notification",
				zap.String("kind", string(n.Kind)),
				zap.String("address", n.Address))
		}
	}()

	// 9. Local control and diagnostics API
	if cfg.Agent.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	_ = router.SetTrustedProxies(nil)
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.Agent.ServiceName,
			"state":   manager.State(),
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hdlr := sessionHandler.NewHandler(manager, networkMetrics)
	v1 := router.Group("/v1/session")
	{
		v1.POST("/join", hdlr.Join)
		v1.POST("/leave", hdlr.Leave)
		v1.POST("/chat", hdlr.Chat)
		v1.POST("/video/toggle", hdlr.ToggleVideo)
		v1.POST("/audio/toggle", hdlr.ToggleAudio)
		v1.POST("/screen-share/start", hdlr.StartScreenShare)
		v1.POST("/screen-share/stop", hdlr.StopScreenShare)
		v1.POST("/active", hdlr.SetActiveSession)
		v1.DELETE("/active", hdlr.ClearActiveSession)
		v1.GET("/state", hdlr.State)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Agent.DiagnosticsPort),
		Handler: router,
	}

	go func() {
		logger.Info("Control API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Control API failed", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown, then leave cleanly so devices and the
	// signaling connection are released
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down session agent")
	manager.LeaveRoom()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Control API shutdown was not clean", zap.Error(err))
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/eberran/voicemesh/internal/config"
	"github.com/eberran/voicemesh/internal/control"
	"github.com/eberran/voicemesh/internal/mute"
	"github.com/eberran/voicemesh/internal/observability"
	"github.com/eberran/voicemesh/internal/protocol"
	"github.com/eberran/voicemesh/internal/router"
	"github.com/eberran/voicemesh/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	muteStore, err := mute.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("mute store init failed: %v", err)
	}
	defer muteStore.Close()
	mutes := mute.NewManager(muteStore)

	activations := []protocol.ActivationInfo{{
		Name:            "proximity",
		Label:           "Proximity",
		Distances:       cfg.ProximityDistances,
		DefaultDistance: cfg.DefaultDistance,
		Proximity:       true,
		Weight:          0,
	}}

	sessions := session.NewManager(cfg.ConnectionTimeout)
	presence := router.NewPresence()
	routes := router.NewRouter(sessions, presence, mutes, metrics, activations, cfg.Codec)

	sessions.SetDisconnectHook(func(conn *session.ClientConn) {
		routes.HandleDisconnect(conn.ParticipantID)
		presence.Forget(conn.ParticipantID)
		metrics.SessionEvents.WithLabelValues("dropped").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	udp := session.NewServer(sessions, routes, metrics)
	if err := udp.Listen(cfg.UDPBindAddr); err != nil {
		log.Fatalf("udp listen error: %v", err)
	}
	defer udp.Close()
	log.Printf("voice transport listening on %s", cfg.UDPBindAddr)

	api := control.New(cfg, sessions, routes, udp, mutes, metrics, presence, activations)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		log.Printf("control channel listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	api.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	udp.Close()

	log.Printf("shutdown complete")
}

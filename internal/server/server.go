package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jorgeolive/peregrinapp-backend/internal/delivery"
	"github.com/jorgeolive/peregrinapp-backend/internal/identity"
	"github.com/jorgeolive/peregrinapp-backend/internal/presence"
	"github.com/jorgeolive/peregrinapp-backend/internal/protocol"
	"github.com/jorgeolive/peregrinapp-backend/internal/router"
	"github.com/jorgeolive/peregrinapp-backend/internal/server/middleware"
	"github.com/jorgeolive/peregrinapp-backend/pkg/config"
	"github.com/jorgeolive/peregrinapp-backend/pkg/geostore"
	"github.com/jorgeolive/peregrinapp-backend/pkg/state"
	"github.com/jorgeolive/peregrinapp-backend/pkg/state/statemanager"
	"github.com/jorgeolive/peregrinapp-backend/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    state.Registry
	sessions    state.SessionTracker
	store       geostore.Store
	broadcaster *presence.Broadcaster
	engine      *delivery.Engine
	eventRouter *router.EventRouter
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, store geostore.Store, verifier identity.Verifier, directory identity.Directory) *App {
	registry := statemanager.NewInMemoryRegistry(logger)
	sessions := statemanager.NewSessionTable(logger)
	broadcaster := presence.New(logger, registry, store)
	engine := delivery.NewEngine(logger, registry, sessions, directory, delivery.Config{
		RetryInterval: cfg.Delivery.RetryInterval,
		MessageTTL:    cfg.Delivery.MessageTTL,
		MaxAttempts:   cfg.Delivery.MaxAttempts,
	})
	eventRouter := router.NewEventRouter(logger, store, broadcaster, engine)

	app := &App{
		logger:      logger,
		registry:    registry,
		sessions:    sessions,
		store:       store,
		broadcaster: broadcaster,
		engine:      engine,
		eventRouter: eventRouter,
		config:      cfg,
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewAuthMiddleware(logger, verifier, directory),
		),
	)
	mux.HandleFunc("/active-users", app.activeUsersHandler)
	mux.HandleFunc("/nearby", app.nearbyHandler)
	mux.HandleFunc("/healthz", app.healthzHandler)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go a.broadcaster.Run(a.ctx)
	go a.engine.Run(a.ctx)

	// Presence changes published by other instances reach this one through
	// the store's notification channel.
	unsubscribe, err := a.store.Subscribe(a.ctx, func(geostore.Notification) {
		a.broadcaster.Trigger()
	})
	if err != nil {
		a.logger.Warn("Presence notifications unavailable; broadcasts rely on local events only",
			slog.Any("error", err))
	} else {
		defer unsubscribe()
	}

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.UserID == "" {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)

	stateConn := &state.Connection{
		UserID:      reqMeta.UserID,
		DisplayName: reqMeta.DisplayName,
		PhoneNumber: reqMeta.PhoneNumber,
		DMsEnabled:  reqMeta.DMsEnabled,
		Transport:   conn,
		ConnectedAt: time.Now().UTC(),
	}

	// One connection per identity: a new handshake supersedes and closes any
	// prior one rather than silently orphaning its transport.
	if prev := a.registry.Register(stateConn); prev != nil {
		connLogger.Info("Closing superseded connection")
		prev.Transport.Close(errors.New("superseded by a new connection"))
	}

	if err := a.store.StoreDetails(r.Context(), stateConn.UserID, map[string]string{
		geostore.FieldDisplayName: stateConn.DisplayName,
		geostore.FieldPhoneNumber: stateConn.PhoneNumber,
		geostore.FieldConnectedAt: stateConn.ConnectedAt.Format(time.RFC3339),
	}); err != nil {
		connLogger.Warn("Failed to seed user details; presence degraded", slog.Any("error", err))
	}

	conn.SetOnMessageHandler(func(ctx context.Context, msg []byte) {
		a.eventRouter.HandleMessage(ctx, stateConn, msg)
	})
	conn.SetOnCloseHandler(func(err error) {
		a.handleDisconnect(stateConn, connLogger)
	})

	conn.Run()

	ack, err := protocol.Encode(protocol.EventAuthenticated, protocol.AuthenticatedPayload{
		UserID:   stateConn.UserID,
		Username: stateConn.DisplayName,
	})
	if err == nil {
		conn.Send(ack)
	}

	// Anything queued while the user was offline goes out right away.
	a.engine.FlushFor(stateConn.UserID)
	a.broadcaster.Trigger()

	connLogger.Info("User connection fully established")
	<-conn.Done()
}

// handleDisconnect reconciles registry, chat sessions and position state once
// a connection dies, then announces the new snapshot.
func (a *App) handleDisconnect(stateConn *state.Connection, logger *slog.Logger) {
	// A superseded connection closes after its replacement registered; the
	// replacement owns the user's state now, so leave everything in place.
	if current, ok := a.registry.Get(stateConn.UserID); !ok || current != stateConn {
		logger.Debug("Skipping cleanup for superseded connection")
		return
	}

	a.registry.Unregister(stateConn.UserID)
	a.sessions.Cleanup(stateConn.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.store.RemovePosition(ctx, stateConn.UserID); err != nil {
		logger.Warn("Failed to remove position on disconnect", slog.Any("error", err))
	}
	if err := a.store.StoreDetails(ctx, stateConn.UserID, map[string]string{
		geostore.FieldDisconnectedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		logger.Warn("Failed to stamp disconnection time", slog.Any("error", err))
	}

	a.broadcaster.Trigger()
	logger.Info("Connection cleaned up")
}

// activeUsersHandler is the read-only export of the live snapshot for
// non-realtime callers.
func (a *App) activeUsersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot := a.broadcaster.Snapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		a.logger.Error("Failed to encode active users response", slog.Any("error", err))
	}
}

type nearbyUserResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Longitude      float64 `json:"longitude"`
	Latitude       float64 `json:"latitude"`
	DistanceMeters float64 `json:"distanceMeters"`
}

// nearbyHandler exposes the geospatial radius query: who is sharing a
// position within radius meters of a point.
func (a *App) nearbyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	longitude, errLon := strconv.ParseFloat(q.Get("longitude"), 64)
	latitude, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
	radius, errRad := strconv.ParseFloat(q.Get("radius"), 64)
	if errLon != nil || errLat != nil || errRad != nil || radius <= 0 {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	results, err := a.store.FindNearby(r.Context(), longitude, latitude, radius)
	if err != nil {
		a.logger.Warn("Nearby query failed", slog.Any("error", err))
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	response := make([]nearbyUserResponse, 0, len(results))
	for _, nearby := range results {
		response = append(response, nearbyUserResponse{
			ID:             nearby.UserID,
			Name:           nearby.Details.DisplayName,
			Longitude:      nearby.Longitude,
			Latitude:       nearby.Latitude,
			DistanceMeters: nearby.DistanceMeters,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("Failed to encode nearby response", slog.Any("error", err))
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := a.store.Ready(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, userID := range a.registry.UserIDs() {
		if conn, ok := a.registry.Get(userID); ok {
			conn.Transport.Close(errors.New("graceful shutdown"))
		}
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

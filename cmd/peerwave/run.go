// Package main starts a peerwave call participant.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerwave/peerwave/internal/call"
	"github.com/peerwave/peerwave/internal/config"
	"github.com/peerwave/peerwave/internal/diag"
	"github.com/peerwave/peerwave/internal/media"
	"github.com/peerwave/peerwave/internal/store"
	"github.com/peerwave/peerwave/internal/transport"
)

// run joins the room and blocks until interrupt.
func run(room, name, diagAddr string, debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if room != "" {
		cfg.RoomID = room
	}
	if name != "" {
		cfg.ParticipantID = name
	}
	if cfg.RoomID == "" {
		return errors.New("room is required (-room or ROOM_ID)")
	}
	if cfg.ParticipantID == "" {
		cfg.ParticipantID = "peer-" + uuid.NewString()[:8]
	}

	logger := newLogger(debug)
	logger.Info().
		Str("room", cfg.RoomID).
		Str("participant", cfg.ParticipantID).
		Str("transport", cfg.Transport).
		Msg("peerwave starting")

	tr, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	factory := media.NewPionFactory(media.Config{
		ICEServers: cfg.ICEServers,
		Logger:     logger,
	})

	controller, err := call.New(call.Config{
		RoomID:        cfg.RoomID,
		ParticipantID: cfg.ParticipantID,
		Transport:     tr,
		Media: func(audioOn, videoOn bool) (media.Factory, error) {
			return factory, nil
		},
		ShareBaseURL: cfg.ShareBaseURL,
		AudioOn:      cfg.AudioOn,
		VideoOn:      cfg.VideoOn,
		Debounce:     time.Duration(cfg.DebounceMs) * time.Millisecond,
		DwellTimeout: time.Duration(cfg.DwellMs) * time.Millisecond,
		OnTrack: func(track media.Track) {
			logger.Info().Str("peer", track.PeerID).Str("kind", track.Kind).Msg("remote track")
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := controller.Join(); err != nil {
		return err
	}
	logger.Info().Str("link", controller.ShareLink()).Msg("share link")

	diagServer := startDiag(diagAddr, controller, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			controller.EndCall()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = diagServer.Shutdown(shutdownCtx)
			return nil
		case <-ticker.C:
			snap := controller.Snapshot()
			logger.Info().
				Str("status", string(snap.Status)).
				Strs("participants", snap.Participants).
				Bool("muted", snap.Muted).
				Msg("call status")
			if snap.LastError != "" {
				logger.Warn().Str("error", snap.LastError).Msg("last call error")
			}
		}
	}
}

// newTransport builds the configured signaling transport.
func newTransport(cfg config.Config, logger zerolog.Logger) (transport.Transport, error) {
	interval := time.Duration(cfg.PollMs) * time.Millisecond
	switch cfg.Transport {
	case "broadcast":
		logger.Warn().Msg("broadcast transport only reaches peers in this process")
		return transport.NewBroadcast(transport.NewHub(), logger), nil
	case "poll":
		st, err := newStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		return transport.NewPoll(st, interval, logger), nil
	case "http":
		st, err := newStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		return transport.NewHTTPPoll(cfg.RelayURL, st, interval, logger), nil
	case "mesh":
		return nil, errors.New("mesh transport needs an established call to bootstrap; use push")
	default:
		st, err := newStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		// The degradation target must be observable by remote peers, so
		// the fallback polls the relay's REST log; the local store is
		// only the last rung when the relay is fully unreachable.
		fallback := transport.NewHTTPPoll(cfg.RelayURL, st, interval, logger)
		return transport.NewPush(wsBaseURL(cfg.RelayURL), fallback, logger), nil
	}
}

// newStore builds the local message store for poll-style transports.
func newStore(cfg config.Config, logger zerolog.Logger) (*store.Store, error) {
	var (
		backend store.Backend
		err     error
	)
	switch cfg.StoreBackend {
	case "memory":
		backend = store.NewMemoryBackend(0)
	case "redis":
		backend, err = store.NewRedisBackend(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	default:
		backend, err = store.NewFileBackend(filepath.Join(cfg.DataDir, "rooms"), 0)
	}
	if err != nil {
		return nil, err
	}
	return store.New(backend, logger), nil
}

// wsBaseURL rewrites an http(s) relay URL to its websocket scheme.
func wsBaseURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}

// startDiag serves the local negotiation override endpoints.
func startDiag(addr string, controller *call.Controller, logger zerolog.Logger) *http.Server {
	overrider := diag.New(controller, logger)
	r := chi.NewRouter()
	r.Get("/diag/phases", func(w http.ResponseWriter, req *http.Request) {
		for peer, phase := range overrider.Phases() {
			fmt.Fprintf(w, "%s %s\n", peer, phase)
		}
	})
	r.Post("/diag/force/{peer}", func(w http.ResponseWriter, req *http.Request) {
		if err := overrider.Force(chi.URLParam(req, "peer")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	server := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("diag server stopped")
		}
	}()
	return server
}

// newLogger builds the process logger.
func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

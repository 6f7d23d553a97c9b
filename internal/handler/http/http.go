package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jgivc/updagent/internal/common"
	"github.com/jgivc/updagent/internal/entity"
)

type UpdateService interface {
	Check(ctx context.Context) error
	Start(ctx context.Context) error
	Install(ctx context.Context) error
	Dismiss()
	Reset(ctx context.Context) error
	State() entity.UpdateState
	Subscribe() (<-chan entity.UpdateState, func())
}

type StatusRenderer interface {
	Parse(st entity.UpdateState) (string, error)
}

type HistoryService interface {
	Attempts(ctx context.Context) (map[string]string, error)
}

func NewCheckHandler(srv UpdateService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "CheckHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		if err := srv.Check(context.Background()); err != nil {
			switch {
			case errors.Is(err, common.ErrDownloadInFlight):
				http.Error(w, "Download already in progress", http.StatusConflict)
			default:
				http.Error(w, "Cannot check for updates", http.StatusInternalServerError)
			}

			return
		}

		w.Write([]byte("done"))
	}
}

func NewStartHandler(srv UpdateService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "StartHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		if err := srv.Start(context.Background()); err != nil {
			switch {
			case errors.Is(err, common.ErrDownloadInFlight):
				http.Error(w, "Download already in progress", http.StatusConflict)
			case errors.Is(err, common.ErrNoUpdateAvailable):
				http.Error(w, "No update available", http.StatusConflict)
			default:
				http.Error(w, "Cannot start download", http.StatusInternalServerError)
			}

			return
		}

		w.Write([]byte("done"))
	}
}

func NewInstallHandler(srv UpdateService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "InstallHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		if err := srv.Install(context.Background()); err != nil {
			switch {
			case errors.Is(err, common.ErrInstallPermissionMissing):
				http.Error(w, "Install permission missing", http.StatusForbidden)
			case errors.Is(err, common.ErrNoUpdateAvailable),
				errors.Is(err, common.ErrArtifactNotFound),
				errors.Is(err, common.ErrArtifactIncomplete):
				http.Error(w, "No complete artifact to install", http.StatusConflict)
			default:
				http.Error(w, "Cannot install update", http.StatusInternalServerError)
			}

			return
		}

		w.Write([]byte("done"))
	}
}

func NewDismissHandler(srv UpdateService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "DismissHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		srv.Dismiss()

		w.Write([]byte("done"))
	}
}

func NewResetHandler(srv UpdateService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "ResetHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		if err := srv.Reset(context.Background()); err != nil {
			http.Error(w, "Cannot reset update", http.StatusInternalServerError)

			return
		}

		w.Write([]byte("done"))
	}
}

func NewStateHandler(srv UpdateService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "StateHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(srv.State()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func NewHistoryHandler(srv HistoryService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "HistoryHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := srv.Attempts(context.Background())
		if err != nil {
			http.Error(w, "Cannot get download history", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// NewEventsHandler streams state snapshots over SSE until the client goes
// away. A slow client sees fewer intermediate snapshots, never a stale
// final one.
func NewEventsHandler(srv UpdateService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "EventsHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch, cancel := srv.Subscribe()
		defer cancel()

		for {
			select {
			case <-r.Context().Done():
				return
			case st := <-ch:
				data, err := json.Marshal(st)
				if err != nil {
					log.Error("Cannot marshal state", slog.Any("error", err))

					return
				}

				fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}

func NewStatusPageHandler(renderer StatusRenderer, srv UpdateService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "StatusPageHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		content, err := renderer.Parse(srv.State())
		if err != nil {
			log.Error("Cannot render status page", slog.Any("error", err))
			http.Error(w, "Cannot render status page", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(content))
	}
}

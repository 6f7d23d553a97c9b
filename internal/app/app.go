package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jgivc/updagent/internal/adapter/notes"
	"github.com/jgivc/updagent/internal/adapter/statustpl"
	"github.com/jgivc/updagent/internal/config"
	"github.com/jgivc/updagent/internal/downloader"
	httphandler "github.com/jgivc/updagent/internal/handler/http"
	"github.com/jgivc/updagent/internal/installer"
	"github.com/jgivc/updagent/internal/repository/history"
	"github.com/jgivc/updagent/internal/repository/release"
	"github.com/jgivc/updagent/internal/service/update"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
)

const (
	checkTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

type App struct {
	cfgPath string
	cfg     *config.Config
	srv     *http.Server
	updater *update.UpdateService
	log     *slog.Logger
}

func New(cfgPath string) *App {
	return &App{
		cfgPath: cfgPath,
	}
}

func (a *App) Start() {
	a.cfg = config.MustLoad(a.cfgPath)

	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		panic(err)
	}

	rdb := redis.NewClient(opt)
	ctx := context.Background()
	_, err = rdb.Ping(ctx).Result()
	if err != nil {
		panic(err)
	}

	lo := &slog.HandlerOptions{}
	switch a.cfg.LogLevel {
	case config.LogLevelInfo:
		lo.Level = slog.LevelInfo
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	default:
		panic("unknown log level")
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, lo))
	a.log = log

	fs := afero.NewOsFs()
	hist := history.NewHistoryRepository(rdb, log)

	checkClient := &http.Client{Timeout: a.cfg.Downloader.RequestTimeout}
	rel := release.NewReleaseRepository(checkClient, a.cfg.CheckURL, log)

	// The download client gets no overall timeout, a large artifact may
	// legitimately take longer than any fixed value. Cancellation is the
	// context's job.
	dl := downloader.NewDownloader(fs, &http.Client{}, hist, &a.cfg.Downloader, log)

	var pkg installer.PackageInstaller
	if a.cfg.Installer.SelfApply {
		pkg = installer.NewSelfApplyInstaller(fs, log)
	} else {
		pkg = installer.NewExecInstaller(a.cfg.Installer.Command, log)
	}
	launcher := installer.NewLauncher(fs, installer.NewConfigGate(&a.cfg.Installer), pkg, &a.cfg.Installer, log)

	a.updater = update.NewUpdateService(rel, dl, launcher, notes.NewNotesAdapter(log),
		hist, fs, a.cfg.LocalBuild, a.cfg.TargetPath(), log)

	tpl, err := statustpl.NewTplAdapter(a.cfg.StatusTemplate)
	if err != nil {
		panic(err)
	}

	http.Handle("GET /{$}", httphandler.NewStatusPageHandler(tpl, a.updater, log))
	http.Handle("GET /update/state", httphandler.NewStateHandler(a.updater, log))
	http.Handle("GET /update/events", httphandler.NewEventsHandler(a.updater, log))
	http.Handle("GET /update/history", httphandler.NewHistoryHandler(hist, log))

	http.Handle("POST /update/check", httphandler.NewCheckHandler(a.updater, log))
	http.Handle("POST /update/start", httphandler.NewStartHandler(a.updater, log))
	http.Handle("POST /update/install", httphandler.NewInstallHandler(a.updater, log))
	http.Handle("POST /update/dismiss", httphandler.NewDismissHandler(a.updater, log))
	http.Handle("POST /update/reset", httphandler.NewResetHandler(a.updater, log))

	a.srv = &http.Server{
		Addr: a.cfg.Listen,
	}

	go func() {
		log.Info("Start listen", slog.String("addr", a.cfg.Listen))

		if err := a.srv.ListenAndServe(); err != nil {
			log.Error("Could not serve", slog.String("listen_addr", a.cfg.Listen), slog.Any("error", err))
			os.Exit(2)
		}
	}()
}

// Check runs one update check out of band, for the signal trigger.
func (a *App) Check() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	if err := a.updater.Check(ctx); err != nil {
		a.log.Error("Cannot check for updates", slog.Any("error", err))
	}
}

func (a *App) Stop() {
	a.updater.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.srv.Shutdown(ctx)
}

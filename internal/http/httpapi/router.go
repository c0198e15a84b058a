package httpapi

import (
	"net/http"
	"strings"
	"time"

	"scenegen/internal/http/handlers"
	"scenegen/internal/infra"
	mw "scenegen/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterOptions carries the knobs the router needs from configuration.
type RouterOptions struct {
	Logger             *infra.Logger
	AllowedOrigins     []string
	GeneratePerMinute  int
	StaticEnvironments []infra.Environment
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		mw.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		mw.Logger(*infra.LoggerOrDiscard(opts.Logger)),
		mw.CORS(opts.AllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/stories/{entityID}/scenes/{sequenceID}", func(r chi.Router) {
		r.Get("/continuity", app.SceneContinuity)
		r.With(mw.RateLimit(opts.GeneratePerMinute, time.Minute)).Post("/images", app.GenerateScene)
	})

	// Local copies served when an environment falls back from object storage.
	mounted := make(map[string]struct{})
	for _, env := range opts.StaticEnvironments {
		prefix := "/" + strings.Trim(env.Storage.StaticPrefix, "/")
		if prefix == "/" || env.Storage.LocalDir == "" {
			continue
		}
		if _, ok := mounted[prefix]; ok {
			continue
		}
		mounted[prefix] = struct{}{}
		fs := http.StripPrefix(prefix+"/", http.FileServer(http.Dir(env.Storage.LocalDir)))
		r.Handle(prefix+"/*", fs)
	}

	return r
}

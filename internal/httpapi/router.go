package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dialbridge/internal/config"
	"dialbridge/internal/crm"
	"dialbridge/internal/dialsession"
	"dialbridge/internal/live"
	"dialbridge/internal/models"
	"dialbridge/internal/ratelimit"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type dialerTokenSaver interface {
	SaveDialerToken(ctx context.Context, clientID, token string) error
}

type crmExchanger interface {
	Exchange(ctx context.Context, clientID, code string) (*models.AccountLink, error)
}

type propertyCache interface {
	Invalidate(clientID string)
}

type listSearcher interface {
	SearchLists(ctx context.Context, clientID, query string, offset, count int) (*crm.ListPage, error)
}

type sessionCreator interface {
	Create(ctx context.Context, req dialsession.Request) (*dialsession.Result, error)
}

type webhookIngestor interface {
	ContactDisplayed(ctx context.Context, token string, raw []byte) (*models.Session, error)
	CallDone(ctx context.Context, token string, raw []byte) (*models.Session, error)
}

type codeConsumer interface {
	Consume(ctx context.Context, code string) (string, error)
}

// Deps are the components the HTTP surface dispatches to.
type Deps struct {
	DB           pinger
	Accounts     dialerTokenSaver
	Tokens       crmExchanger
	Properties   propertyCache
	Lists        listSearcher
	DialSessions sessionCreator
	Webhooks     webhookIngestor
	Codes        codeConsumer
	Live         *live.Channel
	Presence     *live.Presence
	Limiter      *ratelimit.Limiter
}

func NewRouter(cfg *config.Config, d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(LoggingMiddleware)
	r.Use(RecoverMiddleware)

	r.Get("/health", HealthHandler(d.DB))
	r.Get("/version", VersionHandler())
	r.With(APIKeyAuth(cfg)).Handle("/metrics", promhttp.Handler())

	// Dialer callbacks, authenticated by the session token in the query.
	r.Route("/webhooks", func(wh chi.Router) {
		wh.Post("/contact-displayed", ContactDisplayedHandler(d.Webhooks))
		wh.Post("/call-done", CallDoneHandler(d.Webhooks))
	})

	r.Route("/live", func(lv chi.Router) {
		lv.Get("/stream", LiveStreamHandler(d.Codes, d.Live))
		lv.Get("/ws", LiveWSHandler(d.Codes, d.Live))
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/accounts/dialer-token", DialerTokenHandler(d.Accounts))
		api.Post("/accounts/crm/exchange", CRMExchangeHandler(d.Tokens, d.Properties))

		api.Get("/lists", ListsHandler(d.Lists, d.Limiter, cfg.RateLimits.ListFetch))

		api.Post("/dial-sessions", CreateDialSessionHandler(d.DialSessions, d.Limiter, cfg.RateLimits.CreateSession))
		api.Post("/dial-sessions/from-list", CreateFromListHandler(d.DialSessions, d.Limiter, cfg.RateLimits.CreateSession))

		api.Post("/presence/heartbeat", HeartbeatHandler(d.Presence))
		api.With(APIKeyAuth(cfg)).Get("/presence/active", ActiveViewersHandler(d.Presence, cfg.Live.PresenceWindow))
	})

	return r
}

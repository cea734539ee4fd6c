package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/unclebandit/promo-mailer-backend/internal/controller"
	"github.com/unclebandit/promo-mailer-backend/internal/handler"
	"github.com/unclebandit/promo-mailer-backend/internal/middleware"
)

// Router builds the HTTP API.
func (a *App) Router() http.Handler {
	campaignController := &controller.CampaignController{
		CampaignService: a.Service,
		Logger:          a.Logger.Named("http"),
		MaxBodyBytes:    int64(a.Config.MaxImageBytes)*10 + 1<<20,
	}
	campaignHandler := handler.NewCampaignHandler(a.Service, a.Logger.Named("http"))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(a.Logger.Named("http")))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.Config.GetCORSOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Method(http.MethodGet, "/healthz", handler.HealthCheck{Ping: a.Ping})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin([]byte(a.Config.JWTSecret), a.Config.AuthCookieName, a.Logger.Named("auth")))
		r.With(chimw.Timeout(60*time.Second)).Post("/send-promotional-email", campaignController.CreateCampaign)
		r.Get("/email-status/{templateId}", campaignHandler.GetEmailStatus)
		r.Get("/email-templates", campaignController.ListCampaigns)
		r.Get("/email-templates/{templateId}", campaignController.GetCampaign)
	})

	return r
}

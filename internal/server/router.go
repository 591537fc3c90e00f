package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Router builds the HTTP surface: REST under /api plus the WebSocket
// endpoint at /ws.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS configuration - the UI may be served from a laptop on the
	// same network during development.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	// The WebSocket endpoint must not sit behind the request timeout:
	// connections are long-lived.
	r.Get("/ws", s.hub.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/camera", func(r chi.Router) {
			r.Get("/status", s.handleCameraStatus)
			r.Get("/settings", s.handleCameraSettings)
			r.Post("/configure", s.handleCameraConfigure)
			r.Get("/battery", s.handleCameraBattery)
			r.Get("/storage", s.handleCameraStorage)
			r.Post("/photo", s.handleTakePhoto)
			r.Post("/reconnect", s.handleCameraReconnect)
			r.Post("/validate-interval", s.handleValidateInterval)
		})

		r.Route("/intervalometer", func(r chi.Router) {
			r.Post("/start", s.handleSessionStart)
			r.Post("/start-with-title", s.handleSessionStart)
			r.Post("/stop", s.handleSessionStop)
			r.Post("/pause", s.handleSessionPause)
			r.Post("/resume", s.handleSessionResume)
			r.Get("/status", s.handleSessionStatus)
		})

		r.Route("/timelapse", func(r chi.Router) {
			r.Get("/reports", s.handleReportList)
			r.Route("/reports/{id}", func(r chi.Router) {
				r.Get("/", s.handleReportGet)
				r.Put("/title", s.handleReportUpdateTitle)
				r.Delete("/", s.handleReportDelete)
			})
			r.Post("/sessions/{id}/save", s.handleSessionSave)
			r.Post("/sessions/{id}/discard", s.handleSessionDiscard)
			r.Get("/unsaved-session", s.handleUnsavedSession)
		})

		r.Route("/discovery", func(r chi.Router) {
			r.Get("/status", s.handleDiscoveryStatus)
			r.Get("/cameras", s.handleDiscoveryCameras)
			r.Post("/scan", s.handleDiscoveryScan)
			r.Post("/primary/{uuid}", s.handleDiscoveryPrimary)
			r.Post("/connect", s.handleDiscoveryConnect)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Get("/logs", s.handleSystemLogs)
			r.Get("/time", s.handleTimeGet)
			r.Post("/time", s.handleTimeSet)
		})
	})

	return r
}

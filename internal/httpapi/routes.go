package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes builds the router with the API and the websocket gateway
// injected. wsHandler is the already-authenticating /ws endpoint.
func SetupRoutes(a *API, wsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Handle("/ws", wsHandler)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Get("/rooms/{roomID}/messages", a.roomMessages)
		r.Post("/rooms/{roomID}/messages", a.createMessage)
		r.Patch("/messages/{messageID}", a.updateMessage)
		r.Delete("/messages/{messageID}", a.deleteMessage)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Get("/notifications", a.notifications)
			r.Post("/notifications", a.createNotification)
			r.Post("/notifications/{notificationID}/read", a.markNotificationRead)
		})
	})

	return r
}

// Package httpapi exposes the request/response half of the delivery
// layer: snapshot fetches for rooms and notifications, and the mutation
// endpoints that write durably and only then hand the event to the relay.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/arenadesk/relay/internal/auth"
	"github.com/arenadesk/relay/internal/store"
	"github.com/arenadesk/relay/pkg/protocol"
)

// Publisher is the slice of the relay the API needs. Handlers depend on
// this, not the concrete registry, so tests can record published events.
type Publisher interface {
	Publish(ev protocol.MessageEvent)
	BroadcastNotification(n protocol.Notification)
}

type API struct {
	store    store.Store
	pub      Publisher
	verifier auth.TokenVerifier
	log      *zap.SugaredLogger
}

func NewAPI(st store.Store, pub Publisher, verifier auth.TokenVerifier, log *zap.SugaredLogger) *API {
	return &API{store: st, pub: pub, verifier: verifier, log: log}
}

type ctxKey int

const claimsKey ctxKey = 0

// requireAuth validates the bearer token and stashes the claims.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		claims, err := a.verifier.Verify(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// requireAdmin gates the notification endpoints.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claimsFrom(r.Context()).Role != auth.RoleAdmin {
			respondError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFrom(ctx context.Context) auth.Claims {
	claims, _ := ctx.Value(claimsKey).(auth.Claims)
	return claims
}

// roomMessages serves the authoritative room snapshot, ordered by
// creation time. Clients merge this with buffered live events.
func (a *API) roomMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	messages, err := a.store.RoomMessages(r.Context(), roomID)
	if err != nil {
		a.log.Errorw("room snapshot", "room", roomID, "err", err)
		respondError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	respond(w, http.StatusOK, map[string]any{"messages": messages})
}

type messageBody struct {
	Body string `json:"body"`
}

func (a *API) createMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	var in messageBody
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Body == "" {
		respondError(w, http.StatusBadRequest, "body required")
		return
	}

	claims := claimsFrom(r.Context())
	m, err := a.store.CreateMessage(r.Context(), protocol.Message{
		RoomID:     roomID,
		AuthorID:   claims.PrincipalID,
		AuthorRole: claims.Role,
		Body:       in.Body,
	})
	if err != nil {
		a.log.Errorw("create message", "room", roomID, "err", err)
		respondError(w, http.StatusInternalServerError, "create failed")
		return
	}

	// Published only after the durable write: receivers may assume a
	// created message is stored.
	a.pub.Publish(protocol.MessageCreated{Message: m})
	respond(w, http.StatusCreated, m)
}

func (a *API) updateMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	var in messageBody
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Body == "" {
		respondError(w, http.StatusBadRequest, "body required")
		return
	}

	m, err := a.store.UpdateMessage(r.Context(), id, in.Body)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		a.log.Errorw("update message", "message", id, "err", err)
		respondError(w, http.StatusInternalServerError, "update failed")
		return
	}

	a.pub.Publish(protocol.MessageUpdated{Message: m})
	respond(w, http.StatusOK, m)
}

func (a *API) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")

	m, err := a.store.DeleteMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		a.log.Errorw("delete message", "message", id, "err", err)
		respondError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	a.pub.Publish(protocol.MessageDeleted{MessageID: m.ID, RoomID: m.RoomID})
	w.WriteHeader(http.StatusNoContent)
}

// notifications serves the notification snapshot plus the authoritative
// unread count for the calling admin.
func (a *API) notifications(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	list, unread, err := a.store.Notifications(r.Context(), claims.PrincipalID)
	if err != nil {
		a.log.Errorw("notification snapshot", "admin", claims.PrincipalID, "err", err)
		respondError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"notifications": list,
		"unread_count":  unread,
	})
}

type notificationBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Link  string `json:"link,omitempty"`
}

func (a *API) createNotification(w http.ResponseWriter, r *http.Request) {
	var in notificationBody
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Title == "" {
		respondError(w, http.StatusBadRequest, "title required")
		return
	}

	n, err := a.store.CreateNotification(r.Context(), protocol.Notification{
		Title: in.Title,
		Body:  in.Body,
		Link:  in.Link,
	})
	if err != nil {
		a.log.Errorw("create notification", "err", err)
		respondError(w, http.StatusInternalServerError, "create failed")
		return
	}

	a.pub.BroadcastNotification(n)
	respond(w, http.StatusCreated, n)
}

// markNotificationRead applies the read transition and returns the new
// authoritative unread count. Sessions must adopt this count rather than
// decrement locally, so multiple tabs of one operator converge.
func (a *API) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notificationID")
	claims := claimsFrom(r.Context())

	unread, err := a.store.MarkNotificationRead(r.Context(), claims.PrincipalID, id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		a.log.Errorw("mark read", "notification", id, "err", err)
		respondError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	respond(w, http.StatusOK, map[string]int{"unread_count": unread})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respond(w, code, map[string]string{"error": msg})
}

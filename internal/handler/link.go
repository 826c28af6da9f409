package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/auth"
	"github.com/sakif/postlink/internal/config"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/service"
)

// LinkHandler serves the account-linking routes.
//
// BROWSER ROUTES (redirects, no JSON):
//   - HandleLogin         GET /auth/x/login            direct link, needs the app JWT
//   - HandleCrossDevice   GET /auth/x/link?session=id  device B of a cross-device link
//   - HandleCallback      GET /auth/x/callback         X sends the browser back here
//
// API ROUTES (JSON, app JWT):
//   - HandleCreateSession POST /api/link-sessions
//   - HandleSessionStatus GET  /api/link-sessions/{id}
type LinkHandler struct {
	links   *service.LinkService
	cookies *auth.PendingCookies
	pages   config.Pages
	baseURL string
	logger  *slog.Logger
}

func NewLinkHandler(
	links *service.LinkService,
	cookies *auth.PendingCookies,
	pages config.Pages,
	baseURL string,
	logger *slog.Logger,
) *LinkHandler {
	return &LinkHandler{
		links:   links,
		cookies: cookies,
		pages:   pages,
		baseURL: baseURL,
		logger:  logger,
	}
}

// HandleLogin starts a direct link for the signed-in app user.
//
// HTTP: GET /auth/x/login
func (h *LinkHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	pending, authURL, err := h.links.BeginDirectLink(r.Context(), userID)
	if err != nil {
		h.logger.Error("link login: cannot start authorization", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	h.redirectToProvider(w, r, pending, authURL)
}

// HandleCrossDevice starts the provider redirect on device B. No app JWT is
// needed: the session id in the QR code is the capability.
//
// HTTP: GET /auth/x/link?session=<id>
func (h *LinkHandler) HandleCrossDevice(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")

	pending, authURL, err := h.links.BeginCrossDeviceLink(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, apperror.ErrConfiguration) {
			h.logger.Error("cross-device link: provider not configured", slog.String("error", err.Error()))
			writeError(w, err)
			return
		}
		h.redirectForError(w, r, err, "cross-device link")
		return
	}

	h.redirectToProvider(w, r, pending, authURL)
}

func (h *LinkHandler) redirectToProvider(w http.ResponseWriter, r *http.Request, pending *model.PendingAuthorization, authURL string) {
	if err := h.cookies.Write(w, pending); err != nil {
		h.logger.Error("link: writing pending cookies", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes a link of either kind.
//
// HTTP: GET /auth/x/callback?code=xxx&state=yyy (or &error=access_denied)
//
// The pending cookies are cleared before anything else so a state value is
// single-use even when completion fails. Missing or forged cookies leave
// pending nil, which the service reports as a CSRF mismatch.
func (h *LinkHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	pending, err := h.cookies.Read(r)
	if err != nil {
		h.logger.Info("link callback: no pending authorization", slog.String("reason", err.Error()))
		pending = nil
	}
	h.cookies.Clear(w)

	q := r.URL.Query()
	account, err := h.links.CompleteAuthorization(r.Context(), service.CallbackParams{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	}, pending)
	if err != nil {
		h.redirectForError(w, r, err, "link callback")
		return
	}

	target := h.pages.Success
	if u, err := url.Parse(target); err == nil {
		values := u.Query()
		values.Set("account", account.ID)
		u.RawQuery = values.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// redirectForError sends the browser to the landing page for err. User-flow
// errors are expected and logged at Info; anything else is logged at Error.
func (h *LinkHandler) redirectForError(w http.ResponseWriter, r *http.Request, err error, op string) {
	page := h.pages.Error
	switch {
	case errors.Is(err, apperror.ErrCSRFMismatch), errors.Is(err, apperror.ErrSessionNotFound):
		page = h.pages.Invalid
		h.logger.Info(op+": rejected", slog.String("error", err.Error()))
	case errors.Is(err, apperror.ErrSessionExpired):
		page = h.pages.Expired
		h.logger.Info(op+": session expired", slog.String("error", err.Error()))
	case errors.Is(err, apperror.ErrAuthorizationFailed):
		h.logger.Info(op+": authorization failed", slog.String("error", err.Error()))
	case errors.Is(err, apperror.ErrTransient):
		h.logger.Warn(op+": provider unavailable", slog.String("error", err.Error()))
	default:
		h.logger.Error(op+": failed", slog.String("error", err.Error()))
	}
	http.Redirect(w, r, page, http.StatusSeeOther)
}

// linkSessionResponse is what device A receives. The verifier is never part
// of it.
type linkSessionResponse struct {
	*model.LinkSession
	LinkURL string `json:"linkUrl,omitempty"`
}

// HandleCreateSession creates a cross-device link session.
//
// HTTP: POST /api/link-sessions
//
// Response 201: {"id", "codeChallenge", "status", "createdAt", "expiresAt", "linkUrl"}
// Device A renders linkUrl as a QR code and polls HandleSessionStatus.
func (h *LinkHandler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	session, err := h.links.CreateLinkSession(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to create link session", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, linkSessionResponse{
		LinkSession: session,
		LinkURL:     h.baseURL + "/auth/x/link?session=" + url.QueryEscape(session.ID),
	})
}

// HandleSessionStatus reports a session's status to its owner.
//
// HTTP: GET /api/link-sessions/{id}
func (h *LinkHandler) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	session, err := h.links.LinkSessionStatus(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := linkSessionResponse{LinkSession: session}
	if session.Status == model.LinkSessionPending {
		resp.LinkURL = h.baseURL + "/auth/x/link?session=" + url.QueryEscape(session.ID)
	}
	// Pollers must always see the current status.
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

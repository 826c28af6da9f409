package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/postlink/internal/auth"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/service"
)

// AccountHandler serves the linked-account and publishing API.
//
//	GET    /api/accounts
//	POST   /api/accounts/{id}/primary
//	DELETE /api/accounts/{id}
//	POST   /api/accounts/{id}/posts
//	POST   /api/accounts/{id}/threads
//
// {id} is our linked-account id, never the provider's. Every route resolves
// it against the signed-in user first.
type AccountHandler struct {
	accounts  *service.AccountService
	publisher *service.Publisher
	logger    *slog.Logger
}

func NewAccountHandler(accounts *service.AccountService, publisher *service.Publisher, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, publisher: publisher, logger: logger}
}

// HandleList returns the user's linked accounts. Tokens are never included.
func (h *AccountHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	accounts, err := h.accounts.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list accounts", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// HandleSetPrimary makes {id} the primary account. Response: 204.
func (h *AccountHandler) HandleSetPrimary(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	if err := h.accounts.SetPrimary(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUnlink removes {id}. Response: 204.
func (h *AccountHandler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	if err := h.accounts.Unlink(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type publishRequest struct {
	Text string `json:"text"`
}

// HandlePublish posts one item.
//
// HTTP: POST /api/accounts/{id}/posts   {"text": "..."}
// Response 201: {"id": "...", "text": "..."}
func (h *AccountHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	account, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req publishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.publisher.PublishSingle(r.Context(), account.ExternalAccountID, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type chainRequest struct {
	Items     []string `json:"items"`
	InReplyTo string   `json:"inReplyTo,omitempty"`
}

type chainResponse struct {
	Posted         []model.PostResult `json:"posted"`
	PostedCount    int                `json:"postedCount"`
	StoppedAtIndex *int               `json:"stoppedAtIndex"`
	Error          *ErrorResponse     `json:"error"`
}

// HandlePublishChain posts a thread.
//
// HTTP: POST /api/accounts/{id}/threads   {"items": [...], "inReplyTo": "optional"}
//
// STATUS CODES:
//   - 201: every item was posted
//   - 207: some items were posted, then one failed (partial success)
//   - the failure's own status (401, 502, 503...) when nothing was posted
//   - 400: validation failed, nothing was attempted
//
// Every non-400 response carries the chain body, so a caller can always see
// how many items went out and resume from the last posted id.
func (h *AccountHandler) HandlePublishChain(w http.ResponseWriter, r *http.Request) {
	account, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req chainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.publisher.PublishChain(r.Context(), account.ExternalAccountID, req.Items,
		model.ChainOptions{InReplyTo: req.InReplyTo})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := chainResponse{
		Posted:         result.Posted,
		PostedCount:    result.PostedCount,
		StoppedAtIndex: result.StoppedAtIndex,
	}

	status := http.StatusCreated
	if result.Err != nil {
		code, body := classify(result.Err)
		resp.Error = &body
		status = code
		if result.PostedCount > 0 {
			status = http.StatusMultiStatus
		}
	}
	writeJSON(w, status, resp)
}

// resolve loads {id} for the signed-in user, writing the error response
// itself when that fails.
func (h *AccountHandler) resolve(w http.ResponseWriter, r *http.Request) (*model.LinkedAccount, bool) {
	userID, _ := auth.UserIDFromContext(r.Context())

	account, err := h.accounts.Resolve(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return account, true
}

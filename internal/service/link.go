// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, cookies, redirects
//	Service (business layer) → PKCE, CSRF, token lifecycle, publishing rules
//	Repository (data layer)  → reads/writes to the database
//
// Services take interfaces (repository.*, and the small provider interfaces
// declared in this package), never *sqlite.DB or *provider.XClient. Tests
// inject hand-written fakes.
//
// ERRORS:
// Every error a service returns is (or wraps) an apperror sentinel the
// handler can map. Services never return HTTP status codes.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/metrics"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/pkce"
	"github.com/sakif/postlink/internal/repository"
)

// AuthorizationProvider is the part of the provider client the link flow
// needs. *provider.XClient implements it.
type AuthorizationProvider interface {
	AuthURL(state, challenge string) (string, error)
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	Me(ctx context.Context, tok *oauth2.Token) (*model.ExternalProfile, error)
}

// CallbackParams are the query parameters the provider sends back.
type CallbackParams struct {
	Code  string
	State string
	Error string // set when the user denied or the provider failed
}

// LinkService runs the account-linking flows.
//
// DIRECT LINK (one device):
//
//	BeginDirectLink → browser goes to X → CompleteAuthorization
//
// CROSS-DEVICE LINK (device A shows a QR code, device B scans it):
//
//	A: CreateLinkSession → shows /auth/x/link?session=<id>
//	B: BeginCrossDeviceLink → goes to X → CompleteAuthorization
//	A: polls LinkSessionStatus until completed or expired
//
// The verifier for a cross-device link lives only in the database; device A
// never sees it.
type LinkService struct {
	sessions  repository.LinkSessionRepository
	completer repository.LinkCompleter
	provider  AuthorizationProvider
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewLinkService(
	sessions repository.LinkSessionRepository,
	completer repository.LinkCompleter,
	provider AuthorizationProvider,
	ttl time.Duration,
	logger *slog.Logger,
) *LinkService {
	return &LinkService{
		sessions:  sessions,
		completer: completer,
		provider:  provider,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
	}
}

// CreateLinkSession starts a cross-device link for appUserID. The returned
// session's JSON form carries only the id, challenge, status and expiry.
func (s *LinkService) CreateLinkSession(ctx context.Context, appUserID string) (*model.LinkSession, error) {
	if strings.TrimSpace(appUserID) == "" {
		return nil, apperror.ValidationFailed("appUserId", "app user id is required")
	}

	verifier := pkce.NewVerifier()
	now := s.now().UTC()
	session := &model.LinkSession{
		ID:            uuid.NewString(),
		AppUserID:     appUserID,
		CodeVerifier:  verifier,
		CodeChallenge: pkce.Challenge(verifier),
		Status:        model.LinkSessionPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}

	if err := s.sessions.CreateLinkSession(ctx, session); err != nil {
		return nil, fmt.Errorf("service: creating link session: %w", err)
	}

	s.logger.Info("link session created",
		slog.String("sessionID", session.ID),
		slog.String("appUserID", appUserID),
	)
	return session, nil
}

// LinkSessionStatus returns the session for its owner, expiring it first if
// its TTL has passed. Another user's session reports NotFound.
func (s *LinkService) LinkSessionStatus(ctx context.Context, appUserID, sessionID string) (*model.LinkSession, error) {
	session, err := s.sessions.GetLinkSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.AppUserID != appUserID {
		return nil, apperror.NotFound("link session", sessionID)
	}

	if session.Status == model.LinkSessionPending && session.IsExpired(s.now()) {
		if err := s.sessions.ExpireLinkSession(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("service: expiring link session: %w", err)
		}
		session.Status = model.LinkSessionExpired
	}
	return session, nil
}

// BeginDirectLink prepares a single-device link for an authenticated app
// user. The handler stores the returned PendingAuthorization in signed
// cookies and redirects to the URL.
func (s *LinkService) BeginDirectLink(ctx context.Context, appUserID string) (*model.PendingAuthorization, string, error) {
	if strings.TrimSpace(appUserID) == "" {
		return nil, "", apperror.ValidationFailed("appUserId", "app user id is required")
	}

	verifier := pkce.NewVerifier()
	state := pkce.NewState()

	authURL, err := s.provider.AuthURL(state, pkce.Challenge(verifier))
	if err != nil {
		return nil, "", err
	}

	metrics.LinkFlowsStarted.WithLabelValues(metrics.FlowDirect).Inc()
	return &model.PendingAuthorization{
		CodeVerifier: verifier,
		State:        state,
		Action:       model.ActionDirect,
		AppUserID:    appUserID,
	}, authURL, nil
}

// BeginCrossDeviceLink prepares device B's redirect for an existing link
// session. The state embeds the session id so the callback can find it.
func (s *LinkService) BeginCrossDeviceLink(ctx context.Context, sessionID string) (*model.PendingAuthorization, string, error) {
	session, err := s.pendingSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	state := model.CrossDeviceState(session.ID, pkce.NewState())
	authURL, err := s.provider.AuthURL(state, session.CodeChallenge)
	if err != nil {
		return nil, "", err
	}

	metrics.LinkFlowsStarted.WithLabelValues(metrics.FlowCrossDevice).Inc()
	return &model.PendingAuthorization{
		CodeVerifier: session.CodeVerifier,
		State:        state,
		Action:       model.ActionCrossDevice,
		SessionID:    session.ID,
		AppUserID:    session.AppUserID,
	}, authURL, nil
}

// pendingSession loads a session that can still be used, lazily expiring it
// when its TTL has passed.
func (s *LinkService) pendingSession(ctx context.Context, sessionID string) (*model.LinkSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperror.SessionNotFound(sessionID)
	}

	session, err := s.sessions.GetLinkSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.SessionNotFound(sessionID)
		}
		return nil, fmt.Errorf("service: loading link session: %w", err)
	}

	switch session.Status {
	case model.LinkSessionExpired:
		return nil, apperror.SessionExpired(sessionID)
	case model.LinkSessionPending:
	default:
		return nil, apperror.SessionNotFound(sessionID)
	}

	if session.IsExpired(s.now()) {
		if err := s.sessions.ExpireLinkSession(ctx, sessionID); err != nil {
			s.logger.Warn("failed to mark link session expired",
				slog.String("sessionID", sessionID),
				slog.String("error", err.Error()),
			)
		}
		return nil, apperror.SessionExpired(sessionID)
	}

	return session, nil
}

// CompleteAuthorization handles the provider callback.
//
// ORDER MATTERS:
//  1. state is compared (constant time) with the cookie BEFORE anything else.
//     A mismatch means a forged or replayed callback; the provider is never
//     called, so a stolen code cannot be redeemed through us.
//  2. a provider "error" parameter ends the flow (user denied).
//  3. code + verifier are exchanged, the profile is fetched.
//  4. one transaction persists session, account and credential.
//
// Nothing is written unless step 4 commits.
func (s *LinkService) CompleteAuthorization(ctx context.Context, params CallbackParams, pending *model.PendingAuthorization) (*model.LinkedAccount, error) {
	flow := metrics.FlowDirect
	if pending != nil && pending.Action == model.ActionCrossDevice {
		flow = metrics.FlowCrossDevice
	}

	account, err := s.completeAuthorization(ctx, params, pending)
	metrics.LinkFlowsCompleted.WithLabelValues(flow, metrics.ResultFor(err)).Inc()
	if err != nil {
		return nil, err
	}

	s.logger.Info("account linked",
		slog.String("flow", flow),
		slog.String("appUserID", account.AppUserID),
		slog.String("accountID", account.ID),
		slog.String("externalAccountID", account.ExternalAccountID),
	)
	return account, nil
}

func (s *LinkService) completeAuthorization(ctx context.Context, params CallbackParams, pending *model.PendingAuthorization) (*model.LinkedAccount, error) {
	if pending == nil || pending.State == "" || params.State == "" ||
		subtle.ConstantTimeCompare([]byte(params.State), []byte(pending.State)) != 1 {
		return nil, apperror.CSRFMismatch()
	}

	if params.Error != "" {
		return nil, apperror.AuthorizationFailed(params.Error)
	}

	completion := repository.LinkCompletion{Now: s.now()}
	var verifier string

	switch pending.Action {
	case model.ActionCrossDevice:
		sessionID, ok := model.ParseCrossDeviceState(params.State)
		if !ok || (pending.SessionID != "" && pending.SessionID != sessionID) {
			return nil, apperror.CSRFMismatch()
		}
		session, err := s.pendingSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		verifier = session.CodeVerifier
		completion.SessionID = session.ID
		completion.AppUserID = session.AppUserID

	case model.ActionDirect:
		if pending.AppUserID == "" || pending.CodeVerifier == "" {
			return nil, apperror.CSRFMismatch()
		}
		verifier = pending.CodeVerifier
		completion.AppUserID = pending.AppUserID

	default:
		return nil, apperror.CSRFMismatch()
	}

	if params.Code == "" {
		return nil, apperror.AuthorizationFailed("missing_code")
	}

	tok, err := s.provider.Exchange(ctx, params.Code, verifier)
	if err != nil {
		return nil, err
	}

	profile, err := s.provider.Me(ctx, tok)
	if err != nil {
		return nil, err
	}

	completion.Profile = *profile
	completion.Credential = credentialFromToken(profile.ID, tok)

	account, err := s.completer.CompleteLink(ctx, completion)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// credentialFromToken copies an oauth2.Token into our credential model.
func credentialFromToken(externalAccountID string, tok *oauth2.Token) model.OAuthCredential {
	scope, _ := tok.Extra("scope").(string)
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return model.OAuthCredential{
		ExternalAccountID: externalAccountID,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		TokenType:         tokenType,
		Scope:             scope,
		ExpiresAt:         tok.Expiry,
	}
}

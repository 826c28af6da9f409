package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/metrics"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/provider"
	"github.com/sakif/postlink/internal/repository"
)

// DefaultRefreshMargin is how close to expiry a token may get before we
// refresh it instead of handing it out.
const DefaultRefreshMargin = 60 * time.Second

// TokenRefresher trades a refresh token for a new pair.
// *provider.XClient implements it; a rejected grant is reported as
// provider.ErrGrantRejected.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// TokenManager hands out access tokens that are valid for at least the
// refresh margin, refreshing them on demand.
//
// CONCURRENCY:
// Refresh tokens rotate: using one invalidates it. Two requests that both see
// an expiring token would both refresh, and the loser's pair would be dead on
// arrival. We persist with a compare-and-swap on the credential's Version.
// The loser of the swap throws its pair away and reuses the winner's.
//
// The same swap guards MarkNeedsReauth: an invalid_grant caused by a stale
// refresh token (someone else already rotated it) must not flag an account
// whose fresh pair is fine.
type TokenManager struct {
	creds     repository.CredentialRepository
	refresher TokenRefresher
	margin    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewTokenManager(creds repository.CredentialRepository, refresher TokenRefresher, margin time.Duration, logger *slog.Logger) *TokenManager {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &TokenManager{
		creds:     creds,
		refresher: refresher,
		margin:    margin,
		now:       time.Now,
		logger:    logger,
	}
}

// GetValidToken returns a usable access token for the external account.
//
// Errors:
//   - apperror.ErrNeedsReauth: no credential, already flagged, or the
//     provider rejected the refresh token. The user must link again.
//   - apperror.ErrTransient: the provider or network failed; retry later.
//     The credential is left untouched.
func (m *TokenManager) GetValidToken(ctx context.Context, externalAccountID string) (*model.AccessToken, error) {
	cred, err := m.creds.GetCredential(ctx, externalAccountID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NeedsReauth(externalAccountID)
		}
		return nil, fmt.Errorf("service: loading credential: %w", err)
	}

	if cred.NeedsReauth {
		return nil, apperror.NeedsReauth(externalAccountID)
	}
	if m.usable(cred) {
		return accessToken(cred), nil
	}

	return m.refresh(ctx, cred)
}

// usable reports whether the access token outlives the refresh margin.
func (m *TokenManager) usable(cred *model.OAuthCredential) bool {
	return cred.AccessToken != "" && m.now().Add(m.margin).Before(cred.ExpiresAt)
}

func (m *TokenManager) refresh(ctx context.Context, cred *model.OAuthCredential) (*model.AccessToken, error) {
	id := cred.ExternalAccountID

	if cred.RefreshToken == "" {
		return m.flagNeedsReauth(ctx, cred, "no refresh token")
	}

	tok, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrGrantRejected) {
			metrics.TokenRefreshes.WithLabelValues(metrics.ResultRejected).Inc()
			return m.flagNeedsReauth(ctx, cred, "refresh token rejected")
		}
		if errors.Is(err, apperror.ErrConfiguration) {
			metrics.TokenRefreshes.WithLabelValues(metrics.ResultError).Inc()
			return nil, err
		}
		metrics.TokenRefreshes.WithLabelValues(metrics.ResultTransient).Inc()
		m.logger.Warn("token refresh failed",
			slog.String("externalAccountID", id),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, apperror.ErrTransient) {
			return nil, err
		}
		return nil, apperror.Transient("token refresh", err)
	}

	next := &model.OAuthCredential{
		ExternalAccountID: id,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		TokenType:         tok.TokenType,
		Scope:             cred.Scope,
		ExpiresAt:         tok.Expiry,
	}
	// Some providers do not rotate; keep the old refresh token then.
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.TokenType == "" {
		next.TokenType = cred.TokenType
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		next.Scope = scope
	}

	swapped, err := m.creds.SwapCredential(ctx, next, cred.Version)
	if err != nil {
		return nil, fmt.Errorf("service: storing refreshed credential: %w", err)
	}
	if swapped {
		metrics.TokenRefreshes.WithLabelValues(metrics.ResultSuccess).Inc()
		m.logger.Info("token refreshed", slog.String("externalAccountID", id))
		return accessToken(next), nil
	}

	// Someone else refreshed first. Their pair is the live one.
	metrics.TokenRefreshes.WithLabelValues(metrics.ResultLostRace).Inc()
	return m.reload(ctx, id)
}

// flagNeedsReauth marks the credential unless another writer changed it
// since we read it. In that case the other writer's state wins and we
// reload instead.
func (m *TokenManager) flagNeedsReauth(ctx context.Context, cred *model.OAuthCredential, reason string) (*model.AccessToken, error) {
	id := cred.ExternalAccountID

	marked, err := m.creds.MarkNeedsReauth(ctx, id, cred.Version)
	if err != nil {
		return nil, fmt.Errorf("service: flagging credential: %w", err)
	}
	if !marked {
		return m.reload(ctx, id)
	}

	m.logger.Warn("credential needs reauthorization",
		slog.String("externalAccountID", id),
		slog.String("reason", reason),
	)
	return nil, apperror.NeedsReauth(id)
}

// reload re-reads the credential after losing a race. It never refreshes.
func (m *TokenManager) reload(ctx context.Context, externalAccountID string) (*model.AccessToken, error) {
	cred, err := m.creds.GetCredential(ctx, externalAccountID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NeedsReauth(externalAccountID)
		}
		return nil, fmt.Errorf("service: reloading credential: %w", err)
	}
	if cred.NeedsReauth {
		return nil, apperror.NeedsReauth(externalAccountID)
	}
	if !m.usable(cred) {
		return nil, apperror.Transient("token refresh", errors.New("concurrent refresh left no usable token"))
	}
	return accessToken(cred), nil
}

func accessToken(cred *model.OAuthCredential) *model.AccessToken {
	return &model.AccessToken{
		ExternalAccountID: cred.ExternalAccountID,
		Value:             cred.AccessToken,
		TokenType:         cred.TokenType,
		ExpiresAt:         cred.ExpiresAt,
	}
}

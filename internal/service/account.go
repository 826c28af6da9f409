package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sakif/postlink/internal/apperror"
	"github.com/sakif/postlink/internal/model"
	"github.com/sakif/postlink/internal/repository"
)

// AccountService manages the external accounts an app user has linked.
//
// OWNERSHIP:
// Every method takes the app user id from the authenticated request. An
// account that belongs to someone else is reported as NotFound, so ids
// cannot be probed.
type AccountService struct {
	repo   repository.AccountRepository
	logger *slog.Logger
}

func NewAccountService(repo repository.AccountRepository, logger *slog.Logger) *AccountService {
	return &AccountService{repo: repo, logger: logger}
}

// List returns the app user's linked accounts, oldest first.
func (s *AccountService) List(ctx context.Context, appUserID string) ([]model.LinkedAccount, error) {
	accounts, err := s.repo.ListAccounts(ctx, appUserID)
	if err != nil {
		return nil, fmt.Errorf("service: listing accounts: %w", err)
	}
	if accounts == nil {
		accounts = []model.LinkedAccount{}
	}
	return accounts, nil
}

// Resolve returns one of the app user's accounts.
func (s *AccountService) Resolve(ctx context.Context, appUserID, accountID string) (*model.LinkedAccount, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.AppUserID != appUserID {
		return nil, apperror.NotFound("linked account", accountID)
	}
	return account, nil
}

// SetPrimary makes accountID the app user's primary account.
func (s *AccountService) SetPrimary(ctx context.Context, appUserID, accountID string) error {
	if err := s.repo.SetPrimaryAccount(ctx, appUserID, accountID); err != nil {
		return err
	}
	s.logger.Info("primary account changed",
		slog.String("appUserID", appUserID),
		slog.String("accountID", accountID),
	)
	return nil
}

// Unlink removes an account. If it was primary the oldest remaining account
// takes over.
func (s *AccountService) Unlink(ctx context.Context, appUserID, accountID string) error {
	if err := s.repo.DeleteAccount(ctx, appUserID, accountID); err != nil {
		return err
	}
	s.logger.Info("account unlinked",
		slog.String("appUserID", appUserID),
		slog.String("accountID", accountID),
	)
	return nil
}

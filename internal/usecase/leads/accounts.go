package leads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

type RegisterAccountInput struct {
	Platform          string
	ExternalAccountID string
	Name              string
}

// RegisterAccount connects a platform account to the tenant. Bad input is
// reported synchronously as engagement.ErrValidation.
func (s *Service) RegisterAccount(ctx context.Context, tenantID string, input RegisterAccountInput) (ports.Account, error) {
	if err := s.check(ctx); err != nil {
		return ports.Account{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ports.Account{}, engagement.ErrTenantRequired
	}

	platform, err := engagement.ParsePlatform(input.Platform)
	if err != nil {
		return ports.Account{}, fmt.Errorf("%w: %v", engagement.ErrValidation, err)
	}
	externalID := strings.TrimSpace(input.ExternalAccountID)
	if externalID == "" {
		return ports.Account{}, fmt.Errorf("%w: external account id is required", engagement.ErrValidation)
	}
	if len(externalID) > 128 {
		return ports.Account{}, fmt.Errorf("%w: external account id is too long", engagement.ErrValidation)
	}
	name := strings.TrimSpace(input.Name)
	if len(name) > 255 {
		return ports.Account{}, fmt.Errorf("%w: name is too long", engagement.ErrValidation)
	}

	var created ports.Account
	if err := s.uow.WithTenantTx(ctx, tenantID, func(txCtx context.Context) error {
		var err error
		created, err = s.accounts.CreateAccount(txCtx, ports.Account{
			Platform:          platform,
			ExternalAccountID: externalID,
			Name:              name,
		})
		return err
	}); err != nil {
		return ports.Account{}, err
	}

	logging.Info(
		logging.WithComponent(ctx, "usecase.leads.accounts"),
		"connected account registered",
		slog.String("tenant_id", tenantID),
		slog.String("account_id", created.ID),
		slog.String("platform", string(platform)),
	)
	return created, nil
}

// ResolveAccount finds the tenant owning a platform account. It runs in the
// system scope because webhooks arrive before the tenant is known.
func (s *Service) ResolveAccount(ctx context.Context, platform engagement.Platform, externalAccountID string) (ports.Account, error) {
	if err := s.check(ctx); err != nil {
		return ports.Account{}, err
	}
	externalAccountID = strings.TrimSpace(externalAccountID)
	if externalAccountID == "" {
		return ports.Account{}, engagement.ErrAccountNotFound
	}

	var account ports.Account
	err := s.uow.WithSystemTx(ctx, func(txCtx context.Context) error {
		var err error
		account, err = s.accounts.FindAccountByExternalID(txCtx, platform, externalAccountID)
		return err
	})
	return account, err
}

// GetAccount returns the account only when it belongs to tenantID.
func (s *Service) GetAccount(ctx context.Context, tenantID string, accountID string) (ports.Account, error) {
	if err := s.check(ctx); err != nil {
		return ports.Account{}, err
	}

	var account ports.Account
	err := s.uow.WithTenantTx(ctx, tenantID, func(txCtx context.Context) error {
		var err error
		account, err = s.accounts.GetAccount(txCtx, accountID)
		return err
	})
	return account, err
}

// PollAccount pulls recent content of an account from its platform API and
// ingests it like a webhook batch.
func (s *Service) PollAccount(ctx context.Context, accountID string) (IngestResult, error) {
	if err := s.check(ctx); err != nil {
		return IngestResult{}, err
	}
	if s.fetcher == nil {
		return IngestResult{}, errors.New("platform fetcher is required")
	}

	var account ports.Account
	if err := s.uow.WithSystemTx(ctx, func(txCtx context.Context) error {
		var err error
		account, err = s.accounts.GetAccount(txCtx, accountID)
		return err
	}); err != nil {
		if errors.Is(err, engagement.ErrAccountNotFound) {
			return IngestResult{}, errs.Unrecoverable(err)
		}
		return IngestResult{}, errs.Wrap(err, "load connected account")
	}

	data, err := s.fetcher.Fetch(ctx, account)
	if err != nil {
		return IngestResult{}, errs.Wrapf(err, "fetch %s account %s", account.Platform, account.ID)
	}

	result, err := s.ProcessNormalizedData(ctx, account.TenantID, account.Platform, data, account.ID)
	if err != nil {
		return result, err
	}

	if err := s.uow.WithTenantTx(ctx, account.TenantID, func(txCtx context.Context) error {
		return s.accounts.MarkAccountPolled(txCtx, account.ID, s.nowUTC())
	}); err != nil {
		return result, errs.Wrap(err, "mark account polled")
	}
	return result, nil
}

package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CodexLane/internal/data"
	"CodexLane/pkg/crypto"
	"CodexLane/pkg/openai"

	"github.com/go-kratos/kratos/v2/log"
)

// Access tokens are refreshed proactively once they pass this age; the cron
// sweep uses a slightly shorter threshold so tokens never reach it.
const (
	tokenStaleAfter      = 28 * 24 * time.Hour
	tokenRefreshAhead    = 27 * 24 * time.Hour
	corruptedTokenReason = "Stored token is corrupted - re-login required"
)

// AuthManager owns credential lifecycle: decryption, proactive refresh,
// permanent-failure deactivation and claim backfill.
type AuthManager struct {
	repo    AccountRepo
	client  *openai.Client
	cryptor *crypto.TokenCryptor
	logger  *log.Helper
}

// NewAuthManager creates the credential manager.
func NewAuthManager(repo AccountRepo, client *openai.Client, cryptor *crypto.TokenCryptor, logger log.Logger) *AuthManager {
	return &AuthManager{
		repo:    repo,
		client:  client,
		cryptor: cryptor,
		logger:  log.NewHelper(logger),
	}
}

// shouldRefresh reports whether the token is old enough for a proactive
// refresh.
func shouldRefresh(lastRefresh *time.Time, now time.Time) bool {
	if lastRefresh == nil {
		return true
	}
	return now.Sub(*lastRefresh) > tokenStaleAfter
}

// EnsureFresh returns a usable plaintext access token for the account,
// refreshing first when forced or when the stored token is stale.
// On a permanent refresh failure the account is deactivated before the error
// is returned. The passed account is updated in place on success.
func (m *AuthManager) EnsureFresh(ctx context.Context, account *data.Account, force bool) (string, error) {
	if !force && !shouldRefresh(account.LastRefresh, time.Now()) {
		accessToken, err := m.cryptor.Decrypt(account.AccessTokenEncrypted)
		if err != nil {
			return "", m.deactivateCorrupted(ctx, account, err)
		}
		if accessToken != "" {
			return accessToken, nil
		}
		// 空 access token 只能走刷新
	}

	refreshToken, err := m.cryptor.Decrypt(account.RefreshTokenEncrypted)
	if err != nil {
		return "", m.deactivateCorrupted(ctx, account, err)
	}

	result, err := m.client.RefreshToken(ctx, refreshToken)
	if err != nil {
		var refreshErr *openai.RefreshError
		if errors.As(err, &refreshErr) && refreshErr.IsPermanent() {
			m.deactivatePermanent(ctx, account, refreshErr.Code)
		}
		return "", err
	}

	if err := m.persistRefresh(ctx, account, result); err != nil {
		return "", err
	}
	return result.AccessToken, nil
}

// persistRefresh encrypts and stores the refreshed credentials, backfilling
// chatgpt_account_id, email and plan when the response carried them.
func (m *AuthManager) persistRefresh(ctx context.Context, account *data.Account, result *openai.TokenRefreshResult) error {
	accessEnc, err := m.cryptor.Encrypt(result.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := m.cryptor.Encrypt(result.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	idEnc, err := m.cryptor.Encrypt(result.IDToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt id token: %w", err)
	}

	now := time.Now()
	params := data.UpdateTokensParams{
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		IDTokenEncrypted:      idEnc,
		LastRefresh:           now,
	}

	if result.PlanType != "" {
		plan := data.PlanType(result.PlanType)
		params.PlanType = &plan
		account.PlanType = plan
	}
	if result.Email != "" && result.Email != account.Email {
		params.Email = &result.Email
		account.Email = result.Email
	}
	// Lazy backfill: older rows may predate the chatgpt_account_id column.
	if result.AccountID != "" && (account.ChatGPTAccountID == nil || *account.ChatGPTAccountID == "") {
		params.ChatGPTAccountID = &result.AccountID
		account.ChatGPTAccountID = &result.AccountID
	}

	if err := m.repo.UpdateTokens(ctx, account.ID, params); err != nil {
		return err
	}

	account.AccessTokenEncrypted = accessEnc
	account.RefreshTokenEncrypted = refreshEnc
	account.IDTokenEncrypted = idEnc
	account.LastRefresh = &now

	m.logger.Infow("account tokens refreshed", "account_id", account.ID, "email", account.Email)
	return nil
}

// SaveOAuthTokens persists credentials produced by a completed OAuth login.
// Re-login with the same mailbox overwrites the existing row.
func (m *AuthManager) SaveOAuthTokens(ctx context.Context, accessToken, refreshToken, idToken string) (*data.Account, error) {
	claims := openai.DecodeIDTokenClaims(idToken)

	upstreamID := claims.ChatGPTAccountID
	if upstreamID == "" {
		upstreamID = claims.Sub
	}
	if upstreamID == "" || claims.Email == "" {
		return nil, fmt.Errorf("id token is missing account identity claims")
	}

	accessEnc, err := m.cryptor.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshEnc, err := m.cryptor.Encrypt(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	idEnc, err := m.cryptor.Encrypt(idToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt id token: %w", err)
	}

	now := time.Now()
	plan := data.PlanUnknown
	if claims.PlanType != "" {
		plan = data.PlanType(claims.PlanType)
	}

	var chatgptID *string
	if claims.ChatGPTAccountID != "" {
		chatgptID = &claims.ChatGPTAccountID
	}

	account := &data.Account{
		ID:                    data.GenerateAccountID(upstreamID, claims.Email),
		ChatGPTAccountID:      chatgptID,
		Email:                 claims.Email,
		PlanType:              plan,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		IDTokenEncrypted:      idEnc,
		LastRefresh:           &now,
		Status:                data.StatusActive,
	}

	if err := m.repo.UpsertAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// deactivatePermanent stores the keyed human message for a permanent refresh
// failure.
func (m *AuthManager) deactivatePermanent(ctx context.Context, account *data.Account, code openai.RefreshErrorCode) {
	message := openai.PermanentFailureMessage(code)
	if err := m.repo.UpdateStatus(ctx, account.ID, data.StatusDeactivated, &message); err != nil {
		m.logger.Errorw("failed to deactivate account after permanent refresh failure",
			"account_id", account.ID, "code", code, "error", err)
		return
	}
	account.Status = data.StatusDeactivated
	account.DeactivationReason = &message
	m.logger.Warnw("account deactivated",
		"account_id", account.ID, "email", account.Email, "code", code, "reason", message)
}

// deactivateCorrupted handles an undecryptable stored token: the account
// cannot be used without re-login, so treat it like a permanent failure.
func (m *AuthManager) deactivateCorrupted(ctx context.Context, account *data.Account, cause error) error {
	reason := corruptedTokenReason
	if err := m.repo.UpdateStatus(ctx, account.ID, data.StatusDeactivated, &reason); err != nil {
		m.logger.Errorw("failed to deactivate account with corrupted token",
			"account_id", account.ID, "error", err)
	} else {
		account.Status = data.StatusDeactivated
		account.DeactivationReason = &reason
	}
	return fmt.Errorf("stored token for account %s is invalid: %w", account.ID, cause)
}

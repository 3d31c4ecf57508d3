package openai

import "fmt"

// RefreshErrorCode 刷新失败的封闭错误码集合
type RefreshErrorCode string

const (
	RefreshTokenExpired     RefreshErrorCode = "refresh_token_expired"
	RefreshTokenReused      RefreshErrorCode = "refresh_token_reused"
	RefreshTokenInvalidated RefreshErrorCode = "refresh_token_invalidated"
	AccountSuspended        RefreshErrorCode = "account_suspended"
	AccountDeleted          RefreshErrorCode = "account_deleted"
)

// PermanentFailureMessage maps a permanent refresh error code to the human
// message stored as the account's deactivation reason.
func PermanentFailureMessage(code RefreshErrorCode) string {
	switch code {
	case RefreshTokenExpired:
		return "Refresh token expired - re-login required"
	case RefreshTokenReused:
		return "Refresh token was reused - re-login required"
	case RefreshTokenInvalidated:
		return "Refresh token was revoked - re-login required"
	case AccountSuspended:
		return "Account has been suspended"
	case AccountDeleted:
		return "Account has been deleted"
	}
	return "Account deactivated: " + string(code)
}

// RefreshError is returned by Client.RefreshToken. Permanent failures carry a
// code from the closed set above; callers must deactivate the account.
type RefreshError struct {
	StatusCode int
	Code       RefreshErrorCode
	Message    string
	Body       string
	Permanent  bool
}

func (e *RefreshError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token refresh failed (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("token refresh failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether the account cannot recover without re-login.
func (e *RefreshError) IsPermanent() bool {
	return e.Permanent
}

// UsageFetchError is returned by Client.FetchUsage for non-2xx responses.
type UsageFetchError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *UsageFetchError) Error() string {
	return fmt.Sprintf("usage fetch failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// ProxyResponseError is returned by Client.StreamResponses when the upstream
// rejects the request before any stream bytes are produced.
// ResetsAt/ResetsInSeconds are optional hints parsed from the error payload.
type ProxyResponseError struct {
	StatusCode      int
	Code            string
	Message         string
	ResetsAt        *int64
	ResetsInSeconds *float64
	Body            string
}

func (e *ProxyResponseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream rejected request (%s, HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream rejected request (HTTP %d): %s", e.StatusCode, e.Message)
}

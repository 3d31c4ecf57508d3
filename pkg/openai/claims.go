package openai

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// IDTokenClaims 从 id token 的 JWT payload 解出的声明
// 只保留调度核心关心的字段
type IDTokenClaims struct {
	Sub              string
	Email            string
	ChatGPTAccountID string
	PlanType         string
}

// Empty reports whether no claim was decoded.
func (c IDTokenClaims) Empty() bool {
	return c.Sub == "" && c.Email == "" && c.ChatGPTAccountID == "" && c.PlanType == ""
}

// DecodeIDTokenClaims decodes the middle segment of a JWT-shaped id token.
// Any malformed input yields empty claims; this function never fails.
// 签名不做校验：token 直接来自 HTTPS 的 token 端点
func DecodeIDTokenClaims(idToken string) IDTokenClaims {
	if idToken == "" {
		return IDTokenClaims{}
	}

	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return IDTokenClaims{}
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return IDTokenClaims{}
	}

	var raw struct {
		Sub        string                 `json:"sub"`
		Email      string                 `json:"email"`
		AuthClaims map[string]interface{} `json:"https://api.openai.com/auth"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return IDTokenClaims{}
	}

	claims := IDTokenClaims{
		Sub:   raw.Sub,
		Email: raw.Email,
	}
	if raw.AuthClaims != nil {
		if v, ok := raw.AuthClaims["chatgpt_account_id"].(string); ok {
			claims.ChatGPTAccountID = v
		}
		if v, ok := raw.AuthClaims["chatgpt_plan_type"].(string); ok {
			claims.PlanType = v
		}
	}
	return claims
}

// Package crypto provides the token cryptor used to protect OAuth
// credentials at rest (AES-256-GCM) and the on-disk key file management.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKeySize 密钥长度无效错误
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes (256 bits)")
	// ErrInvalidToken 密文损坏或被篡改错误
	// 调用方必须视为永久失败：该账户的凭证无法恢复，需要重新登录
	ErrInvalidToken = errors.New("invalid token: ciphertext corrupted or tampered")
)

// TokenCryptor AES-256-GCM 对称加密服务
// 用于加密账户的 access/refresh/id token
type TokenCryptor struct {
	key []byte
}

// NewTokenCryptor 创建加密服务
// key 必须为 32 字节（256 位）
func NewTokenCryptor(key []byte) (*TokenCryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}

	return &TokenCryptor{
		key: key,
	}, nil
}

// Encrypt 使用 AES-256-GCM 加密明文
// 返回 Base64 编码的密文（格式：nonce(12字节) + ciphertext + tag(16字节)）
func (c *TokenCryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil // 空字符串直接返回
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	// 生成随机 nonce（12 字节）
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// 加密（nonce + ciphertext + tag）
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt 使用 AES-256-GCM 解密密文
// ciphertext 为 Base64 编码的密文
// 任何形式的损坏（非法 Base64、长度不足、认证失败）都返回 ErrInvalidToken
func (c *TokenCryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil // 空字符串直接返回
	}

	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidToken, err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	// 验证密文长度（至少包含 nonce + tag）
	nonceSize := gcm.NonceSize()
	if len(decoded) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrInvalidToken)
	}

	nonce, encrypted := decoded[:nonceSize], decoded[nonceSize:]

	// 解密并验证 GCM tag
	plaintext, err := gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return string(plaintext), nil
}

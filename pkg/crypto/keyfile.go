package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const keySize = 32

// LoadOrCreateKey 从磁盘加载加密密钥，不存在时生成并写入
// 密钥文件以 0600 权限创建（仅属主可读写）
// 返回的密钥由调用方缓存，密钥文件只在启动时读取一次
func LoadOrCreateKey(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("encryption key file path is empty")
	}

	key, err := os.ReadFile(path) // #nosec G304 -- path comes from trusted config
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("%w: key file %s holds %d bytes", ErrInvalidKeySize, path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}

	// 首次使用：生成新密钥
	key = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create key directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file %s: %w", path, err)
	}

	return key, nil
}

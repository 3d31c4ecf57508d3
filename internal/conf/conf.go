package conf

import "time"

// Bootstrap is the root configuration object.
// No field is mutated after NewBootstrap returns.
type Bootstrap struct {
	Server   *Server
	Data     *Data
	Auth     *Auth
	Balancer *Balancer
	Log      *Log
}

// Server holds transport configuration.
type Server struct {
	HTTP *ServerHTTP
}

// ServerHTTP holds the HTTP listener configuration.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds persistence configuration.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database holds the MySQL connection configuration.
type Database struct {
	Driver string
	Source string
}

// Redis holds the Redis connection configuration.
type Redis struct {
	Network      string
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Auth holds gateway authentication and token encryption configuration.
type Auth struct {
	// AdminAPIKey protects the /admin surface. Empty disables the admin API.
	AdminAPIKey string
	// APIKeys are the keys accepted on the gateway surface.
	APIKeys []string
	// EncryptionKeyFile is the on-disk AES key file, generated on first use.
	EncryptionKeyFile string
}

// Balancer holds the account selection and usage refresh configuration.
// 对应调度核心的唯一配置入口，启动后不再变更
type Balancer struct {
	UpstreamBaseURL      string
	ProxyURL             string
	UsageRefreshEnabled  bool
	UsageRefreshInterval time.Duration
	SnapshotTTL          time.Duration
	// TierWeights maps normalised tier -> selection weight (pro/plus/free).
	TierWeights map[string]float64
	// TierCapacityCredits maps normalised tier -> secondary window capacity.
	TierCapacityCredits map[string]float64
	PreferEarlierReset  bool
	// StickySessionLimit bounds the sticky-key LRU.
	StickySessionLimit int
	// EscalationThreshold gates escalating reset_at to the upstream boundary.
	EscalationThreshold time.Duration
	// CooldownCap bounds the initial usage-limit cooldown.
	CooldownCap time.Duration
}

// Log holds logger configuration consumed by pkg/log.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

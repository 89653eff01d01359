package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Backend calls
const (
	BackendRequestTimeout = 20 * time.Second
	AnalyzeUploadTimeout  = 10 * time.Second
	TokenRefreshTimeout   = 10 * time.Second
)

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Uploads larger than this are rejected before reaching the backend.
const MaxFrameUploadBytes = 10 << 20

// Principal cookie carried by study clients
const (
	PrincipalCookieName   = "AIL_SID"
	PrincipalCookieMaxAge = 30 * 24 * time.Hour
)

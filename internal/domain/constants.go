package domain

// OAuth Device Flow error codes, as returned by the token endpoint.
const (
	OAuthErrorAuthorizationPending = "authorization_pending"
	OAuthErrorSlowDown             = "slow_down"
	OAuthErrorExpiredToken         = "expired_token"
	OAuthErrorAccessDenied         = "access_denied"
	OAuthErrorIncorrectDeviceCode  = "incorrect_device_code"
)

// Server health tiers, bucketed by error rate.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Backup operation types.
const (
	BackupTypeIdle   = "idle"
	BackupTypeExport = "export"
	BackupTypeImport = "import"
)

// Backup operation statuses.
const (
	BackupStatusIdle       = "idle"
	BackupStatusInProgress = "in_progress"
	BackupStatusCompleted  = "completed"
	BackupStatusFailed     = "failed"
)

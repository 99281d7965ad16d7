// Package config loads control-plane configuration from environment
// variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the recognized runtime options.
type Config struct {
	// DatabasePath is the filesystem path for the persistence database.
	DatabasePath string
	// PolicyPath points at the YAML policy declaration.
	PolicyPath string
	// ApprovalWebhookURL is the approver notification endpoint. Empty
	// means webhook notification is skipped and pauses are resumed out
	// of band.
	ApprovalWebhookURL string
	// WebhookTimeout bounds each webhook POST.
	WebhookTimeout time.Duration
	// WebhookFailMode is ALLOW, DENY, or PAUSE.
	WebhookFailMode string
	// AutoResumeOnStartup re-enters RUNNING workflows during recovery.
	AutoResumeOnStartup bool
	// LogLevel is DEBUG, INFO, WARN, or ERROR.
	LogLevel string
}

// Load reads configuration from the environment, filling defaults.
func Load() *Config {
	dbPath := os.Getenv("CAPSTAN_DATABASE_PATH")
	if dbPath == "" {
		dbPath = "capstan.db"
	}

	timeoutMS := 2000
	if v := os.Getenv("CAPSTAN_WEBHOOK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeoutMS = n
		}
	}

	failMode := os.Getenv("CAPSTAN_WEBHOOK_FAIL_MODE")
	switch failMode {
	case "ALLOW", "DENY", "PAUSE":
	default:
		failMode = "PAUSE"
	}

	autoResume := true
	if v := os.Getenv("CAPSTAN_AUTO_RESUME_ON_STARTUP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			autoResume = b
		}
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		DatabasePath:        dbPath,
		PolicyPath:          os.Getenv("CAPSTAN_POLICY_PATH"),
		ApprovalWebhookURL:  os.Getenv("CAPSTAN_APPROVAL_WEBHOOK_URL"),
		WebhookTimeout:      time.Duration(timeoutMS) * time.Millisecond,
		WebhookFailMode:     failMode,
		AutoResumeOnStartup: autoResume,
		LogLevel:            logLevel,
	}
}

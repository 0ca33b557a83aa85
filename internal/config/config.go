// Package config loads the quote-sender configuration and applies the
// layering the teacher's own config loader uses: file defaults, then an
// optional local YAML developer overlay, then environment variable
// overrides (with .env support for local development).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RerunPolicy controls what happens when a recipient was already SENT on a
// prior run and the current run is a rerun.
type RerunPolicy string

const (
	RerunPolicyAutoSkip RerunPolicy = "auto_skip"
	RerunPolicyConfirm  RerunPolicy = "confirm"
)

// RerunScope controls which prior runs a rerun decision considers.
type RerunScope string

const (
	RerunScopeGlobal  RerunScope = "global"
	RerunScopeSameRun RerunScope = "same_run"
)

// WorkflowMode selects between the enhanced and legacy arbiter behavior.
type WorkflowMode string

const (
	WorkflowModeEnhanced WorkflowMode = "enhanced"
	WorkflowModeLegacy   WorkflowMode = "legacy"
)

// SendMode controls whether a resolved recipient set is actually sent,
// requires a human, or is only drafted.
type SendMode string

const (
	SendModeAuto      SendMode = "auto"
	SendModeManual    SendMode = "manual"
	SendModeDraftOnly SendMode = "draft_only"
)

// Config holds every recognized config.json option from the external
// interface, plus the helper methods components need (durations derived
// from the *_sec/*_hours/*_days fields).
type Config struct {
	CredentialTargetName string `json:"credential_target_name" yaml:"credential_target_name"`

	DedupeKeyVersion string `json:"dedupe_key_version" yaml:"dedupe_key_version"`

	RerunPolicyDefault RerunPolicy `json:"rerun_policy_default" yaml:"rerun_policy_default"`
	RerunScope         RerunScope  `json:"rerun_scope" yaml:"rerun_scope"`
	RerunWindowHours   int         `json:"rerun_window_hours" yaml:"rerun_window_hours"`

	DedupeInProgressTTLSec int `json:"dedupe_in_progress_ttl_sec" yaml:"dedupe_in_progress_ttl_sec"`
	DedupeHeartbeatSec     int `json:"dedupe_heartbeat_sec" yaml:"dedupe_heartbeat_sec"`
	UnknownSentHoldSec     int `json:"unknown_sent_hold_sec" yaml:"unknown_sent_hold_sec"`

	IdempotencySecretVersion string `json:"idempotency_secret_version" yaml:"idempotency_secret_version"`

	DedupeBusyTimeoutMS int `json:"dedupe_busy_timeout_ms" yaml:"dedupe_busy_timeout_ms"`
	DedupeRetryAttempts int `json:"dedupe_retry_attempts" yaml:"dedupe_retry_attempts"`

	LogRetentionDays int `json:"log_retention_days" yaml:"log_retention_days"`

	MaxRecipients         int `json:"max_recipients" yaml:"max_recipients"`
	ConfirmationThreshold int `json:"confirmation_threshold" yaml:"confirmation_threshold"`
	SendIntervalSec       int `json:"send_interval_sec" yaml:"send_interval_sec"`

	WorkflowModeDefault WorkflowMode `json:"workflow_mode_default" yaml:"workflow_mode_default"`
	SendModeDefault     SendMode     `json:"send_mode_default" yaml:"send_mode_default"`

	HMACRotationDays      int    `json:"hmac_rotation_days" yaml:"hmac_rotation_days"`
	HMACCredentialService string `json:"hmac_credential_service" yaml:"hmac_credential_service"`

	RequestHistoryRetentionDays int `json:"request_history_retention_days" yaml:"request_history_retention_days"`

	DomainWhitelist []string `json:"domain_whitelist" yaml:"domain_whitelist"`
	DomainBlacklist []string `json:"domain_blacklist" yaml:"domain_blacklist"`
}

// DedupeInProgressTTL returns the IN_PROGRESS lock TTL as a duration.
func (c Config) DedupeInProgressTTL() time.Duration {
	return time.Duration(c.DedupeInProgressTTLSec) * time.Second
}

// DedupeHeartbeat returns the reservation heartbeat interval as a duration.
func (c Config) DedupeHeartbeat() time.Duration {
	return time.Duration(c.DedupeHeartbeatSec) * time.Second
}

// UnknownSentHold returns the UNKNOWN_SENT reconciliation hold window.
func (c Config) UnknownSentHold() time.Duration {
	return time.Duration(c.UnknownSentHoldSec) * time.Second
}

// RerunWindow returns the rerun lookback window as a duration.
func (c Config) RerunWindow() time.Duration {
	return time.Duration(c.RerunWindowHours) * time.Hour
}

// DedupeBusyTimeout returns the SQLite busy_timeout pragma value.
func (c Config) DedupeBusyTimeout() time.Duration {
	return time.Duration(c.DedupeBusyTimeoutMS) * time.Millisecond
}

// SendInterval returns the pacing delay between sends.
func (c Config) SendInterval() time.Duration {
	return time.Duration(c.SendIntervalSec) * time.Second
}

// HMACRotationPeriod returns the HMAC key rotation deadline as a duration.
func (c Config) HMACRotationPeriod() time.Duration {
	return time.Duration(c.HMACRotationDays) * 24 * time.Hour
}

func defaults() Config {
	return Config{
		DedupeKeyVersion:            "v2",
		RerunPolicyDefault:          RerunPolicyAutoSkip,
		RerunScope:                  RerunScopeGlobal,
		RerunWindowHours:            24,
		DedupeInProgressTTLSec:      900,
		DedupeHeartbeatSec:          60,
		UnknownSentHoldSec:          600,
		IdempotencySecretVersion:    "v1",
		DedupeBusyTimeoutMS:         5000,
		DedupeRetryAttempts:         5,
		LogRetentionDays:            90,
		MaxRecipients:               50,
		ConfirmationThreshold:       5,
		SendIntervalSec:             2,
		WorkflowModeDefault:         WorkflowModeLegacy,
		SendModeDefault:             SendModeManual,
		HMACRotationDays:            90,
		HMACCredentialService:       "quote-sender",
		RequestHistoryRetentionDays: 365,
	}
}

// Load reads config.json at path, applies defaults for any zero-valued
// field, and merges an optional config.local.yaml sitting alongside it
// (developer overlay: YAML wins over the JSON file, never over env vars).
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	overlayPath := localOverlayPath(path)
	if overlayData, err := os.ReadFile(overlayPath); err == nil {
		if err := yaml.Unmarshal(overlayData, &cfg); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

func localOverlayPath(path string) string {
	dir := ""
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		dir = path[:idx+1]
	}
	return dir + "config.local.yaml"
}

func applyDefaults(cfg *Config) {
	d := defaults()
	if cfg.DedupeKeyVersion == "" {
		cfg.DedupeKeyVersion = d.DedupeKeyVersion
	}
	if cfg.RerunPolicyDefault == "" {
		cfg.RerunPolicyDefault = d.RerunPolicyDefault
	}
	if cfg.RerunScope == "" {
		cfg.RerunScope = d.RerunScope
	}
	if cfg.RerunWindowHours == 0 {
		cfg.RerunWindowHours = d.RerunWindowHours
	}
	if cfg.IdempotencySecretVersion == "" {
		cfg.IdempotencySecretVersion = d.IdempotencySecretVersion
	}
	if cfg.DedupeBusyTimeoutMS == 0 {
		cfg.DedupeBusyTimeoutMS = d.DedupeBusyTimeoutMS
	}
	if cfg.DedupeRetryAttempts == 0 {
		cfg.DedupeRetryAttempts = d.DedupeRetryAttempts
	}
	if cfg.LogRetentionDays == 0 {
		cfg.LogRetentionDays = d.LogRetentionDays
	}
	if cfg.MaxRecipients == 0 {
		cfg.MaxRecipients = d.MaxRecipients
	}
	if cfg.ConfirmationThreshold == 0 {
		cfg.ConfirmationThreshold = d.ConfirmationThreshold
	}
	if cfg.WorkflowModeDefault == "" {
		cfg.WorkflowModeDefault = d.WorkflowModeDefault
	}
	if cfg.SendModeDefault == "" {
		cfg.SendModeDefault = d.SendModeDefault
	}
	if cfg.HMACRotationDays == 0 {
		cfg.HMACRotationDays = d.HMACRotationDays
	}
	if cfg.HMACCredentialService == "" {
		cfg.HMACCredentialService = d.HMACCredentialService
	}
	if cfg.RequestHistoryRetentionDays == 0 {
		cfg.RequestHistoryRetentionDays = d.RequestHistoryRetentionDays
	}
	if cfg.DedupeInProgressTTLSec == 0 {
		cfg.DedupeInProgressTTLSec = d.DedupeInProgressTTLSec
	}
	if cfg.DedupeHeartbeatSec == 0 {
		cfg.DedupeHeartbeatSec = d.DedupeHeartbeatSec
	}
	if cfg.UnknownSentHoldSec == 0 {
		cfg.UnknownSentHoldSec = d.UnknownSentHoldSec
	}
}

// LoadFromEnv loads config.json (plus any config.local.yaml overlay) then
// applies environment variable overrides, loading a .env file first so
// secrets can live there locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("QS_CREDENTIAL_TARGET_NAME"); v != "" {
		cfg.CredentialTargetName = v
	}
	if v := os.Getenv("QS_DEDUPE_KEY_VERSION"); v != "" {
		cfg.DedupeKeyVersion = v
	}
	if v := os.Getenv("QS_RERUN_POLICY_DEFAULT"); v != "" {
		cfg.RerunPolicyDefault = RerunPolicy(v)
	}
	if v := os.Getenv("QS_RERUN_SCOPE"); v != "" {
		cfg.RerunScope = RerunScope(v)
	}
	if v := os.Getenv("QS_WORKFLOW_MODE_DEFAULT"); v != "" {
		cfg.WorkflowModeDefault = WorkflowMode(v)
	}
	if v := os.Getenv("QS_SEND_MODE_DEFAULT"); v != "" {
		cfg.SendModeDefault = SendMode(v)
	}
	if v := os.Getenv("QS_HMAC_CREDENTIAL_SERVICE"); v != "" {
		cfg.HMACCredentialService = v
	}
	if v := os.Getenv("QS_MAX_RECIPIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRecipients = n
		}
	}
	if v := os.Getenv("QS_CONFIRMATION_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConfirmationThreshold = n
		}
	}
	if v := os.Getenv("QS_DOMAIN_WHITELIST"); v != "" {
		cfg.DomainWhitelist = strings.Split(v, ",")
	}
	if v := os.Getenv("QS_DOMAIN_BLACKLIST"); v != "" {
		cfg.DomainBlacklist = strings.Split(v, ",")
	}

	return cfg, nil
}

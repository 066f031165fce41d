// Package config loads the immutable server settings. Every knob reads from
// a MAILROOM_* environment variable; an optional YAML file named by
// MAILROOM_CONFIG supplies defaults below the environment layer. Settings
// are frozen at startup and passed to the Core by value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tool filter profiles.
const (
	ProfileFull      = "full"
	ProfileCore      = "core"
	ProfileMinimal   = "minimal"
	ProfileMessaging = "messaging"
	ProfileCustom    = "custom"
)

// fileConfig mirrors the YAML config file layout. Zero values mean "not set".
type fileConfig struct {
	StorageRoot string `yaml:"storage_root"`
	DatabaseURL string `yaml:"database_url"`
	LogFile     string `yaml:"log_file"`

	InlineImageMaxBytes int64 `yaml:"inline_image_max_bytes"`
	ConvertImages       *bool `yaml:"convert_images"`
	KeepOriginalImages  *bool `yaml:"keep_original_images"`

	ReservationCleanupSeconds  int `yaml:"file_reservations_cleanup_interval_seconds"`
	ReservationInactivitySecs  int `yaml:"file_reservation_inactivity_seconds"`
	ReservationActivityGrace   int `yaml:"file_reservation_activity_grace_seconds"`
	ReservationDefaultTTLSecs  int `yaml:"file_reservation_default_ttl_seconds"`
	AckTTLSeconds              int `yaml:"ack_ttl_seconds"`
	AckCheckIntervalSeconds    int `yaml:"ack_check_interval_seconds"`
	AckEscalation              *bool `yaml:"ack_escalation_enabled"`
	ContactEnforcement         *bool `yaml:"contact_enforcement_enabled"`
	ContactAutoTTLSeconds      int `yaml:"contact_auto_ttl_seconds"`
	AutoRegisterRecipients     *bool `yaml:"messaging_auto_register_recipients"`
	AutoHandshakeOnBlock       *bool `yaml:"messaging_auto_handshake_on_block"`
	AttachmentMissingIsError   *bool `yaml:"attachment_missing_is_error"`
	ToolsFilterProfile         string   `yaml:"tools_filter_profile"`
	ToolsFilterCustom          []string `yaml:"tools_filter_custom"`
	NotificationsEnabled       *bool `yaml:"notifications_enabled"`
	NotificationsDebounceMilli int   `yaml:"notifications_debounce_ms"`
	RetentionIntervalSeconds   int   `yaml:"retention_report_interval_seconds"`
	RetentionQuotaBytes        int64 `yaml:"retention_quota_bytes"`
	MetricsIntervalSeconds     int   `yaml:"metrics_snapshot_interval_seconds"`
	RepoCacheCapacity          int   `yaml:"repo_cache_capacity"`
	RepoCacheGraceSeconds      int   `yaml:"repo_cache_grace_seconds"`
	LLMModel                   string `yaml:"llm_model"`
}

// Settings is the frozen server configuration.
type Settings struct {
	StorageRoot string
	DatabaseURL string
	LogFile     string

	InlineImageMaxBytes int64
	ConvertImages       bool
	KeepOriginalImages  bool

	ReservationCleanupInterval time.Duration
	ReservationInactivity      time.Duration
	ReservationActivityGrace   time.Duration
	ReservationDefaultTTL      time.Duration

	AckTTL              time.Duration
	AckCheckInterval    time.Duration
	AckEscalation       bool
	ContactEnforcement  bool
	ContactAutoTTL      time.Duration
	AutoRegisterRecipients bool
	AutoHandshakeOnBlock   bool
	AttachmentMissingIsError bool

	ToolsFilterProfile string
	ToolsFilterCustom  []string

	NotificationsEnabled  bool
	NotificationsDebounce time.Duration

	RetentionInterval   time.Duration
	RetentionQuotaBytes int64
	MetricsInterval     time.Duration

	RepoCacheCapacity int
	RepoCacheGrace    time.Duration

	LLMModel string
}

// DefaultStateDir returns ~/.config/mailroom (temp dir when HOME is unset).
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "mailroom")
}

// Load builds Settings from the environment, layered over the optional YAML
// file named by MAILROOM_CONFIG. Returns an error on malformed values; a
// fatal config error is the caller's cue to exit non-zero.
func Load() (Settings, error) {
	var fc fileConfig
	if path := os.Getenv("MAILROOM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	s := Settings{
		StorageRoot: firstOf(os.Getenv("MAILROOM_STORAGE_ROOT"), fc.StorageRoot, DefaultStateDir()),
		LogFile:     firstOf(os.Getenv("MAILROOM_LOG_FILE"), fc.LogFile, filepath.Join(DefaultStateDir(), "mailroom.log")),

		InlineImageMaxBytes: int64(envInt("MAILROOM_INLINE_IMAGE_MAX_BYTES", intOr(int(fc.InlineImageMaxBytes), 65536))),
		ConvertImages:       envBool("MAILROOM_CONVERT_IMAGES", boolOr(fc.ConvertImages, false)),
		KeepOriginalImages:  envBool("MAILROOM_KEEP_ORIGINAL_IMAGES", boolOr(fc.KeepOriginalImages, true)),

		ReservationCleanupInterval: envSeconds("MAILROOM_FILE_RESERVATIONS_CLEANUP_INTERVAL_SECONDS", intOr(fc.ReservationCleanupSeconds, 60)),
		ReservationInactivity:      envSeconds("MAILROOM_FILE_RESERVATION_INACTIVITY_SECONDS", intOr(fc.ReservationInactivitySecs, 1800)),
		ReservationActivityGrace:   envSeconds("MAILROOM_FILE_RESERVATION_ACTIVITY_GRACE_SECONDS", intOr(fc.ReservationActivityGrace, 600)),
		ReservationDefaultTTL:      envSeconds("MAILROOM_FILE_RESERVATION_DEFAULT_TTL_SECONDS", intOr(fc.ReservationDefaultTTLSecs, 3600)),

		AckTTL:           envSeconds("MAILROOM_ACK_TTL_SECONDS", intOr(fc.AckTTLSeconds, 1800)),
		AckCheckInterval: envSeconds("MAILROOM_ACK_CHECK_INTERVAL_SECONDS", intOr(fc.AckCheckIntervalSeconds, 120)),
		AckEscalation:    envBool("MAILROOM_ACK_ESCALATION_ENABLED", boolOr(fc.AckEscalation, false)),

		ContactEnforcement:     envBool("MAILROOM_CONTACT_ENFORCEMENT_ENABLED", boolOr(fc.ContactEnforcement, true)),
		ContactAutoTTL:         envSeconds("MAILROOM_CONTACT_AUTO_TTL_SECONDS", intOr(fc.ContactAutoTTLSeconds, 86400)),
		AutoRegisterRecipients: envBool("MAILROOM_MESSAGING_AUTO_REGISTER_RECIPIENTS", boolOr(fc.AutoRegisterRecipients, false)),
		AutoHandshakeOnBlock:   envBool("MAILROOM_MESSAGING_AUTO_HANDSHAKE_ON_BLOCK", boolOr(fc.AutoHandshakeOnBlock, false)),

		AttachmentMissingIsError: envBool("MAILROOM_ATTACHMENT_MISSING_IS_ERROR", boolOr(fc.AttachmentMissingIsError, false)),

		ToolsFilterProfile: firstOf(os.Getenv("MAILROOM_TOOLS_FILTER_PROFILE"), fc.ToolsFilterProfile, ProfileFull),
		ToolsFilterCustom:  fc.ToolsFilterCustom,

		NotificationsEnabled:  envBool("MAILROOM_NOTIFICATIONS_ENABLED", boolOr(fc.NotificationsEnabled, true)),
		NotificationsDebounce: time.Duration(envInt("MAILROOM_NOTIFICATIONS_DEBOUNCE_MS", intOr(fc.NotificationsDebounceMilli, 250))) * time.Millisecond,

		RetentionInterval:   envSeconds("MAILROOM_RETENTION_REPORT_INTERVAL_SECONDS", intOr(fc.RetentionIntervalSeconds, 3600)),
		RetentionQuotaBytes: int64(envInt("MAILROOM_RETENTION_QUOTA_BYTES", intOr(int(fc.RetentionQuotaBytes), 1<<30))),
		MetricsInterval:     envSeconds("MAILROOM_METRICS_SNAPSHOT_INTERVAL_SECONDS", intOr(fc.MetricsIntervalSeconds, 300)),

		RepoCacheCapacity: envInt("MAILROOM_REPO_CACHE_CAPACITY", intOr(fc.RepoCacheCapacity, 16)),
		RepoCacheGrace:    envSeconds("MAILROOM_REPO_CACHE_GRACE_SECONDS", intOr(fc.RepoCacheGraceSeconds, 30)),

		LLMModel: firstOf(os.Getenv("MAILROOM_LLM_MODEL"), fc.LLMModel, ""),
	}

	if env := os.Getenv("MAILROOM_TOOLS_FILTER_CUSTOM"); env != "" {
		s.ToolsFilterCustom = splitAndTrim(env)
	}
	s.DatabaseURL = firstOf(os.Getenv("MAILROOM_DATABASE_URL"), fc.DatabaseURL,
		filepath.Join(s.StorageRoot, "catalog.sqlite"))

	switch s.ToolsFilterProfile {
	case ProfileFull, ProfileCore, ProfileMinimal, ProfileMessaging, ProfileCustom:
	default:
		return Settings{}, fmt.Errorf("unknown tools filter profile %q", s.ToolsFilterProfile)
	}
	if s.RepoCacheCapacity < 1 {
		return Settings{}, fmt.Errorf("repo cache capacity must be >= 1, got %d", s.RepoCacheCapacity)
	}
	return s, nil
}

// ProjectsRoot returns the directory holding per-project archives.
func (s Settings) ProjectsRoot() string {
	return filepath.Join(s.StorageRoot, "projects")
}

// SignalDir returns the directory for per-recipient notification signal files.
func (s Settings) SignalDir() string {
	return filepath.Join(s.StorageRoot, "signals")
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intOr(v, fallback int) int {
	if v != 0 {
		return v
	}
	return fallback
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

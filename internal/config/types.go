package config

// Config is the on-disk configuration of the mail flush daemon.
//
// Both JSON and YAML are accepted; unknown keys are rejected so that typos
// surface at load time instead of silently falling back to defaults.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls when a flush run is triggered.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Notification holds the admin switches read at the start of every run.
	Notification NotificationConfig `json:"notification"`

	SMTP      SMTPConfig      `json:"smtp"`
	Transport TransportConfig `json:"transport"`
	SES       *SESConfig      `json:"ses,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Lock    *LockConfig    `json:"lock,omitempty"`

	Templates TemplatesConfig `json:"templates"`

	// Node is exposed to every template as "node".
	Node NodeConfig `json:"node"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
	// ShowAddresses disables masking of mail addresses in log lines.
	ShowAddresses bool `json:"show_addresses,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the flush trigger.
//
// Schedule accepts a cron expression ("*/2 * * * *"), an interval ("30s",
// "00:05") or a daily wall-clock time ("daily:03:15"). Default: every minute.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// RunTimeout bounds a single run. "0s" disables the bound.
	RunTimeout string `json:"run_timeout,omitempty"`
}

// NotificationConfig mirrors the admin notification settings.
//
// Defaults (when fields are omitted/zero):
//   - max_events: 30
//   - pace_interval: "1s"
//   - settle_policy: "at_most_once"
type NotificationConfig struct {
	// Enabled is a pointer so an omitted key means "on".
	Enabled   *bool `json:"enabled,omitempty"`
	MaxEvents int   `json:"max_events,omitempty"`

	PaceInterval string `json:"pace_interval,omitempty"`
	SkipPacing   bool   `json:"skip_pacing,omitempty"`

	SettlePolicy string `json:"settle_policy,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`

	SourceName    string `json:"source_name"`
	SourceAddress string `json:"source_address"`

	DevelMode     bool   `json:"devel_mode,omitempty"`
	DeveloperName string `json:"developer_name,omitempty"`
}

// SMTPConfig is the outgoing mail server.
//
// Security is one of "none", "starttls" or "tls". Password is never logged.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Security string `json:"security,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// TransportConfig selects how messages leave the process.
//
// Example:
//
//	"transport": { "driver": "ses" }
type TransportConfig struct {
	Driver string `json:"driver"` // smtp (default) | ses | noop
}

type SESConfig struct {
	Region               string `json:"region"`
	AccessKeyID          string `json:"access_key_id,omitempty"`
	SecretAccessKey      string `json:"secret_access_key,omitempty"`
	ConfigurationSetName string `json:"configuration_set,omitempty"`
}

// StorageConfig selects the pending event store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/mailflush.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// LockConfig enables a run lock shared between hosts.
type LockConfig struct {
	Driver string `json:"driver"` // none | redis | postgres
	Key    string `json:"key,omitempty"`
	TTL    string `json:"ttl,omitempty"`

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
}

// TemplatesConfig overrides the built-in templates per language.
//
//	"templates": {
//	  "default_language": "en",
//	  "languages": { "it": { "tip": { "title": "...", "body": "..." } } }
//	}
type TemplatesConfig struct {
	DefaultLanguage string                               `json:"default_language,omitempty"`
	Languages       map[string]map[string]TemplateConfig `json:"languages,omitempty"`
}

type TemplateConfig struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type NodeConfig struct {
	Name       string `json:"name"`
	PublicSite string `json:"public_site,omitempty"`
}

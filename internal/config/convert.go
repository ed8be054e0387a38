package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mailflush/internal/eventlog"
	"mailflush/internal/flush"
	"mailflush/internal/lock"
	"mailflush/internal/mail"
	"mailflush/internal/render"
	"mailflush/internal/task/scheduler"
	logx "mailflush/pkg/logx"
)

const (
	DefaultSchedule     = "@every 1m"
	DefaultPaceInterval = time.Second
	DefaultSMTPTimeout  = 30 * time.Second
	DefaultLockTTL      = 10 * time.Minute
)

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:     c.Logging.Level,
		Console:   c.Logging.Console,
		JSON:      c.Logging.JSON,
		File:      logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		RedactPII: !c.Logging.ShowAddresses,
	}
}

// NotificationEnabled treats an omitted notification.enabled as true.
func (c *Config) NotificationEnabled() bool {
	return c.Notification.Enabled == nil || *c.Notification.Enabled
}

// Server returns the SMTP endpoint.
func (c *Config) Server() (mail.Server, error) {
	sec, err := mail.ParseSecurity(c.SMTP.Security)
	if err != nil {
		return mail.Server{}, fmt.Errorf("smtp.security: %w", err)
	}
	timeout, err := ParseDurationOrDefault("smtp.timeout", c.SMTP.Timeout, DefaultSMTPTimeout)
	if err != nil {
		return mail.Server{}, err
	}
	port := c.SMTP.Port
	if port == 0 {
		switch sec {
		case mail.SecurityTLS:
			port = 465
		case mail.SecurityStartTLS:
			port = 587
		default:
			port = 25
		}
	}
	return mail.Server{
		Host:     strings.TrimSpace(c.SMTP.Host),
		Port:     port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		Security: sec,
		Timeout:  timeout,
	}, nil
}

// Settings builds the snapshot a flush run works with.
func (c *Config) Settings() (flush.Settings, error) {
	n := c.Notification
	pace, err := ParseDurationOrDefault("notification.pace_interval", n.PaceInterval, DefaultPaceInterval)
	if err != nil {
		return flush.Settings{}, err
	}
	policy, err := flush.ParsePolicy(n.SettlePolicy, n.MaxAttempts)
	if err != nil {
		return flush.Settings{}, fmt.Errorf("notification.settle_policy: %w", err)
	}
	srv, err := c.Server()
	if err != nil {
		return flush.Settings{}, err
	}
	return flush.Settings{
		Enabled:       c.NotificationEnabled(),
		MaxEvents:     n.MaxEvents,
		PaceInterval:  pace,
		SkipPacing:    n.SkipPacing,
		SourceName:    n.SourceName,
		SourceAddress: strings.TrimSpace(n.SourceAddress),
		DevelMode:     n.DevelMode,
		DeveloperName: n.DeveloperName,
		Server:        srv,
		Policy:        policy,
		Node:          c.Node.templateData(),
	}, nil
}

func (n NodeConfig) templateData() map[string]any {
	return map[string]any{
		"name":        n.Name,
		"public_site": n.PublicSite,
	}
}

// StoreConfig returns the event store settings; a missing section selects
// the in-memory store.
func (c *Config) StoreConfig() (eventlog.Config, error) {
	if c.Storage == nil {
		return eventlog.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return eventlog.Config{}, err
	}
	return eventlog.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		DSN:         c.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func (c *Config) MailConfig() mail.Config {
	out := mail.Config{Driver: c.Transport.Driver}
	if c.SES != nil {
		out.SES = mail.SESConfig{
			Region:               c.SES.Region,
			AccessKeyID:          c.SES.AccessKeyID,
			SecretAccessKey:      c.SES.SecretAccessKey,
			ConfigurationSetName: c.SES.ConfigurationSetName,
		}
	}
	return out
}

func (c *Config) LockConfig() (lock.Config, error) {
	if c.Lock == nil {
		return lock.Config{}, nil
	}
	ttl, err := ParseDurationOrDefault("lock.ttl", c.Lock.TTL, DefaultLockTTL)
	if err != nil {
		return lock.Config{}, err
	}
	return lock.Config{
		Driver:        c.Lock.Driver,
		Key:           c.Lock.Key,
		TTL:           ttl,
		RedisAddr:     c.Lock.RedisAddr,
		RedisPassword: c.Lock.RedisPassword,
		RedisDB:       c.Lock.RedisDB,
	}, nil
}

func (c *Config) RenderConfig() render.Config {
	out := render.Config{
		DefaultLanguage: c.Templates.DefaultLanguage,
		Languages:       make(map[string]map[string]render.Template, len(c.Templates.Languages)),
	}
	for lang, set := range c.Templates.Languages {
		m := make(map[string]render.Template, len(set))
		for key, t := range set {
			m[key] = render.Template{Title: t.Title, Body: t.Body}
		}
		out.Languages[lang] = m
	}
	return out
}

// ScheduleSpec returns the trigger expression with its default applied.
func (c *Config) ScheduleSpec() string {
	if s := strings.TrimSpace(c.Scheduler.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func (c *Config) RunTimeout() (time.Duration, error) {
	return ParseDurationField("scheduler.run_timeout", c.Scheduler.RunTimeout)
}

// Validate checks every section that can be checked without I/O and
// returns all problems joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := c.Settings()
	add(err)
	if c.NotificationEnabled() && strings.TrimSpace(c.Notification.SourceAddress) == "" {
		add(errors.New("notification.source_address is required"))
	}
	if c.Notification.MaxEvents < 0 {
		add(fmt.Errorf("notification.max_events must be >= 0, got %d", c.Notification.MaxEvents))
	}

	switch strings.ToLower(strings.TrimSpace(c.Transport.Driver)) {
	case "", "smtp":
		if strings.TrimSpace(c.SMTP.Host) == "" && c.NotificationEnabled() {
			add(errors.New("smtp.host is required"))
		}
	case "ses":
		if c.SES == nil || strings.TrimSpace(c.SES.Region) == "" {
			add(errors.New("ses.region is required for the ses transport"))
		}
	case "noop", "log":
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", c.Transport.Driver))
	}

	_, err = c.StoreConfig()
	add(err)
	if lc, err := c.LockConfig(); err != nil {
		add(err)
	} else if strings.EqualFold(strings.TrimSpace(lc.Driver), "redis") && strings.TrimSpace(lc.RedisAddr) == "" {
		add(errors.New("lock.redis_addr is required for the redis lock"))
	}
	if _, err := scheduler.ParseSchedule(c.ScheduleSpec()); err != nil {
		add(fmt.Errorf("scheduler.schedule: %w", err))
	}
	_, err = c.Location()
	add(err)
	if _, err := render.New(c.RenderConfig()); err != nil {
		add(fmt.Errorf("templates: %w", err))
	}
	_, err = c.RunTimeout()
	add(err)
	return errors.Join(errs...)
}

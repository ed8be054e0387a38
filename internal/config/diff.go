package config

import (
	"reflect"
	"sort"
	"strings"

	logx "mailflush/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (passwords, keys) are reported only
// as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", newCfg.ScheduleSpec()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notification, newCfg.Notification) {
		changed = append(changed, "notification")
		attrs = append(attrs,
			logx.Bool("notification.enabled", newCfg.NotificationEnabled()),
			logx.Int("notification.max_events", newCfg.Notification.MaxEvents),
			logx.String("notification.pace_interval", strings.TrimSpace(newCfg.Notification.PaceInterval)),
			logx.Bool("notification.skip_pacing", newCfg.Notification.SkipPacing),
			logx.String("notification.settle_policy", newCfg.Notification.SettlePolicy),
		)
	}

	// SMTP (never log the password)
	if oldCfg.SMTP != newCfg.SMTP {
		changed = append(changed, "smtp")
		attrs = append(attrs,
			logx.String("smtp.host", newCfg.SMTP.Host),
			logx.Int("smtp.port", newCfg.SMTP.Port),
			logx.String("smtp.security", newCfg.SMTP.Security),
			logx.Bool("smtp.password_set", newCfg.SMTP.Password != ""),
		)
	}

	if oldCfg.Transport != newCfg.Transport || !reflect.DeepEqual(oldCfg.SES, newCfg.SES) {
		changed = append(changed, "transport")
		attrs = append(attrs, logx.String("transport.driver", newCfg.Transport.Driver))
		if newCfg.SES != nil {
			attrs = append(attrs,
				logx.String("ses.region", newCfg.SES.Region),
				logx.Bool("ses.static_credentials", newCfg.SES.AccessKeyID != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		var driver string
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Lock, newCfg.Lock) {
		changed = append(changed, "lock")
		var driver string
		if newCfg.Lock != nil {
			driver = strings.TrimSpace(newCfg.Lock.Driver)
		}
		attrs = append(attrs, logx.String("lock.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "templates")
		attrs = append(attrs,
			logx.String("templates.default_language", newCfg.Templates.DefaultLanguage),
			logx.Int("templates.language_count", len(newCfg.Templates.Languages)),
		)
	}

	if oldCfg.Node != newCfg.Node {
		changed = append(changed, "node")
		attrs = append(attrs, logx.String("node.name", newCfg.Node.Name))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports the changed sections that only take effect on
// restart: the store, the transport and the run lock are opened once.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "transport", "lock":
			out = append(out, s)
		}
	}
	return out
}

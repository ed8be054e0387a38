package flush

import (
	"time"

	"mailflush/internal/mail"
)

const (
	DefaultMaxEvents = 30
	defaultPageSize  = 100
)

// Settings is the admin configuration a run works with. It is read once at
// the start of every run and never changes during it.
type Settings struct {
	Enabled   bool
	MaxEvents int

	PaceInterval time.Duration
	SkipPacing   bool

	SourceName    string
	SourceAddress string
	// DevelMode replaces SourceName with DeveloperName.
	DevelMode     bool
	DeveloperName string

	Server mail.Server
	Policy SettlePolicy

	// Node is the public node description exposed to templates as "node".
	Node map[string]any
}

func (s Settings) fromName() string {
	if s.DevelMode && s.DeveloperName != "" {
		return s.DeveloperName
	}
	return s.SourceName
}

func (s Settings) maxEvents() int {
	if s.MaxEvents <= 0 {
		return DefaultMaxEvents
	}
	return s.MaxEvents
}

func (s Settings) policy() SettlePolicy {
	if s.Policy == nil {
		return AtMostOnce{}
	}
	return s.Policy
}

// SettingsSource yields the current settings snapshot.
type SettingsSource interface {
	Settings() Settings
}

// SettingsFunc adapts a function to SettingsSource.
type SettingsFunc func() Settings

func (f SettingsFunc) Settings() Settings { return f() }

// StaticSettings always returns the same snapshot.
func StaticSettings(s Settings) SettingsSource {
	return SettingsFunc(func() Settings { return s })
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"redcapaudit/internal/naming"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "redcapaudit.yaml"

// Config holds all redcapaudit configuration.
type Config struct {
	Name string `yaml:"name"`

	// Observation family
	Family FamilyConfig `yaml:"family"`

	// Projection mode for template comparisons
	Projection ProjectionConfig `yaml:"projection"`

	// Expected times in the observation schedule
	Schedule ScheduleConfig `yaml:"schedule"`

	// Contact details the project must (or must not) contain
	Contacts ContactsConfig `yaml:"contacts"`

	// Raw-text hygiene checks
	Hygiene HygieneConfig `yaml:"hygiene"`

	// Patient mobile number validation
	PatientMobile PatientMobileConfig `yaml:"patient_mobile"`

	// Rule evaluation
	Runner RunnerConfig `yaml:"runner"`

	// Audit history store
	History HistoryConfig `yaml:"history"`

	// REDCap admin UI
	REDCap REDCapConfig `yaml:"redcap"`

	// Headless browser used for login
	Browser BrowserConfig `yaml:"browser"`

	// Captured alert forms used by `alerts clone`
	AlertTemplates []AlertTemplate `yaml:"alert_templates"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// FamilyConfig describes the closed set of observation instruments.
type FamilyConfig struct {
	Prefix   string   `yaml:"prefix"`
	Suffixes []string `yaml:"suffixes"`
}

// ProjectionConfig selects how target suffixes are reverted to the template token.
type ProjectionConfig struct {
	Mode string `yaml:"mode"` // literal, boundary
}

// ScheduleConfig holds the times of day the schedule rules expect.
type ScheduleConfig struct {
	MorningInvite   string `yaml:"morning_invite"`
	AfternoonInvite string `yaml:"afternoon_invite"`
	MorningLate     string `yaml:"morning_late"`
	AfternoonLate   string `yaml:"afternoon_late"`
	ReminderCount   int    `yaml:"reminder_count"`
	ReminderHours   int    `yaml:"reminder_hours"`
	StaffCallDay    int    `yaml:"staff_call_day"`
	FollowUpDay     int    `yaml:"follow_up_day"`
}

// ContactsConfig lists phone numbers and addresses the audit knows about.
type ContactsConfig struct {
	StaffAlertPhone  string   `yaml:"staff_alert_phone"`
	SendingNumber    string   `yaml:"sending_number"`
	DeveloperPhones  []string `yaml:"developer_phones"`
	DeveloperEmails  []string `yaml:"developer_emails"`
	RetiredAddresses []string `yaml:"retired_addresses"`
}

// HygieneConfig lists literals that must never appear in the export.
type HygieneConfig struct {
	Forbidden []ForbiddenLiteral `yaml:"forbidden"`
}

// ForbiddenLiteral is one banned literal and the reason it is banned.
type ForbiddenLiteral struct {
	Literal string `yaml:"literal"`
	Reason  string `yaml:"reason"`
}

// PatientMobileConfig describes how the mobile number field must be validated.
type PatientMobileConfig struct {
	Field string `yaml:"field"`
	Min   string `yaml:"min"`
	Max   string `yaml:"max"`
}

// RunnerConfig configures rule evaluation.
type RunnerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	RuleTimeout string `yaml:"rule_timeout"`
}

// HistoryConfig configures the SQLite audit history.
type HistoryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// REDCapConfig configures the admin UI client.
type REDCapConfig struct {
	BaseURL   string `yaml:"base_url"`
	Version   string `yaml:"version"`
	ProjectID string `yaml:"project_id"`
	SessionID string `yaml:"session_id"`
	CSRFToken string `yaml:"csrf_token"`
	Username  string `yaml:"username"`
	Password  string `yaml:"-"`
	UserAgent string `yaml:"user_agent"`
	Timeout   string `yaml:"timeout"`
}

// BrowserConfig configures the go-rod login session.
type BrowserConfig struct {
	DebuggerURL         string   `yaml:"debugger_url"`
	Launch              []string `yaml:"launch"`
	Headless            bool     `yaml:"headless"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms"`
}

// AlertTemplate is a captured alert form submission.
type AlertTemplate struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // simple, late_observation
	AlertIndex string `yaml:"alert_index"`
	Form       string `yaml:"form"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultFamily is the observation family used by the monitoring project.
func DefaultFamily() FamilyConfig {
	f := naming.DefaultFamily()
	var suffixes []string
	for _, id := range f.Members() {
		suffixes = append(suffixes, naming.Suffix(id))
	}
	return FamilyConfig{Prefix: f.Prefix(), Suffixes: suffixes}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "redcapaudit",

		Family: DefaultFamily(),

		Projection: ProjectionConfig{
			Mode: "literal",
		},

		Schedule: ScheduleConfig{
			MorningInvite:   "08:00:00",
			AfternoonInvite: "15:00:00",
			MorningLate:     "13:00:00",
			AfternoonLate:   "20:00:00",
			ReminderCount:   2,
			ReminderHours:   2,
			StaffCallDay:    7,
			FollowUpDay:     2,
		},

		Contacts: ContactsConfig{
			StaffAlertPhone: "61482525929",
			SendingNumber:   "61480029178",
		},

		Hygiene: HygieneConfig{
			Forbidden: []ForbiddenLiteral{
				{Literal: "covid", Reason: "use COVID-19"},
				{Literal: "Covid", Reason: "use COVID-19"},
				{Literal: "covidhmp@mh.org.au", Reason: "pre May 2020 staff address"},
			},
		},

		PatientMobile: PatientMobileConfig{
			Field: "mobile",
			Min:   "61400000000",
			Max:   "61499999999",
		},

		Runner: RunnerConfig{
			Concurrency: 8,
			RuleTimeout: "10s",
		},

		History: HistoryConfig{
			Enabled:      false,
			DatabasePath: filepath.Join(".redcapaudit", "history.db"),
		},

		REDCap: REDCapConfig{
			Version:   "redcap_v9.8.0",
			UserAgent: "redcapaudit/1.0",
			Timeout:   "60s",
		},

		Browser: BrowserConfig{
			Headless:            true,
			NavigationTimeoutMs: 30000,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults still get environment overrides
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// Secrets are only ever read from the environment or flags, never written back.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REDCAP_URL"); v != "" {
		c.REDCap.BaseURL = v
	}
	if v := os.Getenv("REDCAP_VERSION"); v != "" {
		c.REDCap.Version = v
	}
	if v := os.Getenv("REDCAP_PROJECT_ID"); v != "" {
		c.REDCap.ProjectID = v
	}
	if v := os.Getenv("REDCAP_SESSION_ID"); v != "" {
		c.REDCap.SessionID = v
	}
	if v := os.Getenv("REDCAP_CSRF_TOKEN"); v != "" {
		c.REDCap.CSRFToken = v
	}
	if v := os.Getenv("REDCAP_USERNAME"); v != "" {
		c.REDCap.Username = v
	}
	if v := os.Getenv("REDCAP_PASSWORD"); v != "" {
		c.REDCap.Password = v
	}

	if path := os.Getenv("REDCAPAUDIT_DB"); path != "" {
		c.History.DatabasePath = path
		c.History.Enabled = true
	}
}

// ValidProjectionModes lists the supported projection modes.
var ValidProjectionModes = []string{"literal", "boundary"}

// ValidAlertTemplateKinds lists the supported alert template kinds.
var ValidAlertTemplateKinds = []string{"simple", "late_observation"}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d:[0-5]\d$`)

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Family.Prefix == "" {
		return fmt.Errorf("family prefix not configured")
	}
	if len(c.Family.Suffixes) == 0 {
		return fmt.Errorf("family suffixes not configured")
	}

	if !contains(ValidProjectionModes, c.Projection.Mode) {
		return fmt.Errorf("invalid projection mode: %s (valid: %v)", c.Projection.Mode, ValidProjectionModes)
	}

	for name, value := range map[string]string{
		"schedule.morning_invite":   c.Schedule.MorningInvite,
		"schedule.afternoon_invite": c.Schedule.AfternoonInvite,
		"schedule.morning_late":     c.Schedule.MorningLate,
		"schedule.afternoon_late":   c.Schedule.AfternoonLate,
	} {
		if !clockPattern.MatchString(value) {
			return fmt.Errorf("invalid %s: %q (want HH:MM:SS)", name, value)
		}
	}

	if c.Runner.Concurrency < 1 {
		return fmt.Errorf("runner concurrency must be at least 1, got %d", c.Runner.Concurrency)
	}

	seen := make(map[string]bool, len(c.AlertTemplates))
	for _, t := range c.AlertTemplates {
		if t.Name == "" {
			return fmt.Errorf("alert template without a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate alert template: %s", t.Name)
		}
		seen[t.Name] = true
		if !contains(ValidAlertTemplateKinds, t.Kind) {
			return fmt.Errorf("alert template %s: invalid kind %q (valid: %v)", t.Name, t.Kind, ValidAlertTemplateKinds)
		}
	}

	return nil
}

// AlertTemplate returns the named alert template.
func (c *Config) AlertTemplate(name string) (AlertTemplate, bool) {
	for _, t := range c.AlertTemplates {
		if t.Name == name {
			return t, true
		}
	}
	return AlertTemplate{}, false
}

// AlertTemplateNames returns the configured template names in file order.
func (c *Config) AlertTemplateNames() []string {
	names := make([]string, 0, len(c.AlertTemplates))
	for _, t := range c.AlertTemplates {
		names = append(names, t.Name)
	}
	return names
}

// GetRuleTimeout returns the per-rule timeout as a duration.
func (c *Config) GetRuleTimeout() time.Duration {
	d, err := time.ParseDuration(c.Runner.RuleTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetREDCapTimeout returns the admin UI request timeout as a duration.
func (c *Config) GetREDCapTimeout() time.Duration {
	d, err := time.ParseDuration(c.REDCap.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// NavigationTimeout returns the browser navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	MailSourceImap  = "imap"
	MailSourceGmail = "gmail"
)

// Duration wraps time.Duration so it can be written as "90s" or "5m" in the config file.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("could not parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Database string

	MailSource string

	ImapHost     string
	User         string
	Password     string
	ImapFolder   string
	ImapInsecure bool

	GmailCredentials string
	GmailToken       string

	OpenAIKey     string
	OpenAIModel   string
	OpenAIBaseURL string
	RemoteTimeout Duration

	BlocklistZone string

	ConfidenceThreshold int
	BatchSize           int
	RemoteBatchSize     int
	MinRemoteBatch      int
	LookupConcurrency   int

	RetentionDays    int
	RetrainWeekday   string
	ReconcileWeekday string
	ReconcileHour    int
	ReconcileChunk   int
	ReconcilePause   Duration

	MetricsAddr string

	Loglevel *string
}

func Default() *Config {
	return &Config{
		Database:            "triage.db",
		MailSource:          MailSourceImap,
		ImapFolder:          "INBOX",
		OpenAIModel:         "gpt-4o-mini",
		RemoteTimeout:       Duration{2 * time.Minute},
		BlocklistZone:       "dbl.spamhaus.org",
		ConfidenceThreshold: 80,
		BatchSize:           40,
		RemoteBatchSize:     40,
		MinRemoteBatch:      1,
		LookupConcurrency:   8,
		RetentionDays:       365,
		RetrainWeekday:      "friday",
		ReconcileWeekday:    "sunday",
		ReconcileHour:       3,
		ReconcileChunk:      100,
		ReconcilePause:      Duration{time.Second},
	}
}

func ReadConfig(filename string) (*Config, error) {
	config := Default()

	_, err := toml.DecodeFile(filename, config)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if err := validateNonEmptyStringField(c.Database, "Database name must not be empty, set to a filename for the sqlite database"); err != nil {
		return err
	}

	c.MailSource = strings.ToLower(strings.TrimSpace(c.MailSource))
	switch c.MailSource {
	case MailSourceImap:
		if err := validateNonEmptyStringField(c.ImapHost, "ImapHost must not be empty, set to host:port of the imap server"); err != nil {
			return err
		}
		if err := validateNonEmptyStringField(c.User, "User must not be empty, set to username on the imap server"); err != nil {
			return err
		}
		if err := validateNonEmptyStringField(c.Password, "Password must not be empty, set to password of User on the imap server"); err != nil {
			return err
		}
	case MailSourceGmail:
		if err := validateNonEmptyStringField(c.GmailCredentials, "GmailCredentials must be set to the oauth client credentials file when MailSource is gmail"); err != nil {
			return err
		}
		if err := validateNonEmptyStringField(c.GmailToken, "GmailToken must be set to the authorized token file when MailSource is gmail"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("MailSource must be either %q or %q, got %q", MailSourceImap, MailSourceGmail, c.MailSource)
	}

	if err := validateNonEmptyStringField(c.OpenAIKey, "OpenAIKey must not be empty, set to the api key used for remote classification"); err != nil {
		return err
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		return fmt.Errorf("ConfidenceThreshold must be between 0 and 100, got %d", c.ConfidenceThreshold)
	}
	if c.BatchSize <= 0 {
		return errors.New("BatchSize must be positive")
	}
	if c.RemoteBatchSize <= 0 {
		return errors.New("RemoteBatchSize must be positive")
	}
	if c.MinRemoteBatch < 1 {
		return errors.New("MinRemoteBatch must be at least 1")
	}
	// a batch never holds more than BatchSize pending messages
	if c.MinRemoteBatch > c.BatchSize {
		return fmt.Errorf("MinRemoteBatch must not exceed BatchSize, got %d > %d", c.MinRemoteBatch, c.BatchSize)
	}
	if c.LookupConcurrency <= 0 {
		return errors.New("LookupConcurrency must be positive")
	}
	if c.RetentionDays <= 0 {
		return errors.New("RetentionDays must be positive")
	}
	if _, err := ParseWeekday(c.RetrainWeekday); err != nil {
		return fmt.Errorf("invalid RetrainWeekday: %w", err)
	}
	if _, err := ParseWeekday(c.ReconcileWeekday); err != nil {
		return fmt.Errorf("invalid ReconcileWeekday: %w", err)
	}
	if c.ReconcileHour < 0 || c.ReconcileHour > 23 {
		return fmt.Errorf("ReconcileHour must be between 0 and 23, got %d", c.ReconcileHour)
	}
	if c.ReconcileChunk <= 0 {
		return errors.New("ReconcileChunk must be positive")
	}

	return nil
}

func ParseWeekday(day string) (time.Weekday, error) {
	normalized := strings.ToLower(strings.TrimSpace(day))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if normalized == name || normalized == name[:3] {
			return d, nil
		}
	}

	return time.Sunday, fmt.Errorf("unknown weekday %q", day)
}

func validateNonEmptyStringField(field string, err string) error {
	if len(strings.TrimSpace(field)) == 0 {
		return errors.New(err)
	}

	return nil
}

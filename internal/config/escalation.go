package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidbz/markl/internal/domain"
)

// Escalation channel types.
const (
	ChannelWebhook = "webhook"
	ChannelSlack   = "slack"
)

// EscalationFile is the YAML document pointed to by ESCALATION_CONFIG_PATH.
type EscalationFile struct {
	Triggers []domain.EscalationTrigger `yaml:"triggers"`
	Channels []EscalationChannel        `yaml:"channels"`
}

// EscalationChannel describes one notification destination. Target and
// header values may reference environment variables as ${NAME}.
type EscalationChannel struct {
	Type       string            `yaml:"type"`
	Name       string            `yaml:"name"`
	Enabled    *bool             `yaml:"enabled"`
	Target     string            `yaml:"target"`
	Categories []string          `yaml:"categories"`
	Headers    map[string]string `yaml:"headers"`
}

// IsEnabled defaults to true when the field is omitted.
func (c EscalationChannel) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoadEscalation reads the escalation file. An empty path or a missing file
// yields the built-in triggers and no channels.
func LoadEscalation(path string) (*EscalationFile, error) {
	file := &EscalationFile{}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read escalation config: %w", err)
		default:
			if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), file); err != nil {
				return nil, fmt.Errorf("parse escalation config: %w", err)
			}
		}
	}

	if len(file.Triggers) == 0 {
		file.Triggers = domain.DefaultEscalationTriggers()
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}
	return file, nil
}

// Validate checks triggers and channels.
func (f *EscalationFile) Validate() error {
	categories := make(map[string]bool, len(f.Triggers))
	for i, trigger := range f.Triggers {
		if trigger.Category == "" {
			return fmt.Errorf("trigger %d: category is required", i)
		}
		if categories[trigger.Category] {
			return fmt.Errorf("trigger %d: duplicate category %q", i, trigger.Category)
		}
		if len(trigger.Keywords) == 0 {
			return fmt.Errorf("trigger %q: at least one keyword is required", trigger.Category)
		}
		categories[trigger.Category] = true
	}

	names := make(map[string]bool, len(f.Channels))
	for i, channel := range f.Channels {
		if channel.Name == "" {
			return fmt.Errorf("channel %d: name is required", i)
		}
		if names[channel.Name] {
			return fmt.Errorf("channel %d: duplicate name %q", i, channel.Name)
		}
		names[channel.Name] = true

		switch channel.Type {
		case ChannelWebhook, ChannelSlack:
		default:
			return fmt.Errorf("channel %q: unsupported type %q", channel.Name, channel.Type)
		}
		if channel.IsEnabled() && channel.Target == "" {
			return fmt.Errorf("channel %q: target is required", channel.Name)
		}
		for _, category := range channel.Categories {
			if !categories[category] {
				return fmt.Errorf("channel %q: unknown category %q", channel.Name, category)
			}
		}
	}
	return nil
}

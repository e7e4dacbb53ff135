package propagate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"gitea.jw6.us/james/busysync/internal/store"
)

const (
	defaultBusyTitle = "Busy"
	defaultPrefix    = "Busy: "
)

// Rules controls how busy blocks are titled.
type Rules struct {
	// BusyTitle is the generic title used on private targets.
	BusyTitle string `yaml:"busy_title"`
	// Prefix is prepended to the source title on non-private targets.
	Prefix string `yaml:"prefix"`
	// Calendars holds per-target overrides keyed by provider calendar id.
	Calendars map[string]CalendarRule `yaml:"calendars"`
}

// CalendarRule overrides titling for one target calendar.
type CalendarRule struct {
	// Private forces generic titles even when the calendar is not marked
	// private in the store. It can only tighten privacy.
	Private bool `yaml:"private"`
	// Title replaces the generated title. It never includes source text.
	Title  string  `yaml:"title"`
	Prefix *string `yaml:"prefix"`
}

// DefaultRules returns the two-tier rule set: a generic title on private
// targets and a prefixed source title elsewhere.
func DefaultRules() Rules {
	return Rules{BusyTitle: defaultBusyTitle, Prefix: defaultPrefix}
}

// Normalize fills unset values with defaults.
func (r *Rules) Normalize() {
	if strings.TrimSpace(r.BusyTitle) == "" {
		r.BusyTitle = defaultBusyTitle
	}
	if r.Prefix == "" {
		r.Prefix = defaultPrefix
	}
	if r.Calendars == nil {
		r.Calendars = map[string]CalendarRule{}
	}
}

// LoadRules reads a YAML rules file. An empty path or a missing file yields
// the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		rules.Normalize()
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			rules.Normalize()
			return rules, nil
		}
		return Rules{}, fmt.Errorf("read rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse rules %s: %w", path, err)
	}
	rules.Normalize()
	return rules, nil
}

// Private reports whether blocks in target must carry no source text.
func (r Rules) Private(target *store.Calendar) bool {
	return target.Private || r.Calendars[target.ProviderCalendarID].Private
}

// Render returns the title and description of a block mirroring a source
// with the given title into target.
func (r Rules) Render(target *store.Calendar, sourceTitle, tagText string) (title, description string) {
	rule := r.Calendars[target.ProviderCalendarID]
	if r.Private(target) {
		if rule.Title != "" {
			return rule.Title, ""
		}
		return r.busyTitle(), ""
	}
	if rule.Title != "" {
		return rule.Title, tagText
	}
	prefix := r.Prefix
	if rule.Prefix != nil {
		prefix = *rule.Prefix
	}
	if strings.TrimSpace(sourceTitle) == "" {
		return r.busyTitle(), tagText
	}
	return prefix + sourceTitle, tagText
}

func (r Rules) busyTitle() string {
	if r.BusyTitle == "" {
		return defaultBusyTitle
	}
	return r.BusyTitle
}

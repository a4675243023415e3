package manifest

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/alessio/shellescape"
)

// Phase is one step of the build recipe.  Script is an opaque shell
// fragment; the only thing done to it is settings interpolation.
type Phase struct {
	Name        string `toml:"name"`
	Description string `toml:"description,omitempty"`
	Script      string `toml:"script"`
	Test        bool   `toml:"test,omitempty"`
}

// SettingError is returned when a script references a setting the
// manifest does not define.
type SettingError struct {
	Phase   string
	Setting string
}

func (e *SettingError) Error() string {
	return fmt.Sprintf("phase %s: undefined setting %q", e.Phase, e.Setting)
}

var settingRe = regexp.MustCompile(`\$\{settings\.([A-Za-z0-9_-]+)\}`)

// Phases returns the phases to run, skipping test phases unless tests
// are enabled.
func (m *Manifest) Phases(tests bool) (phases []Phase) {
	for _, phase := range m.Build.Phases {
		if phase.Test && !tests {
			continue
		}
		phases = append(phases, phase)
	}
	return
}

// Render substitutes ${settings.NAME} references with shell-quoted
// setting values.
func (phase Phase) Render(settings map[string]interface{}) (script string, err error) {
	script = settingRe.ReplaceAllStringFunc(phase.Script, func(ref string) string {
		if err != nil {
			return ref
		}
		key := settingRe.FindStringSubmatch(ref)[1]
		val, ok := settings[key]
		if !ok {
			err = &SettingError{Phase: phase.Name, Setting: key}
			return ref
		}
		return quote(val)
	})
	if err != nil {
		return "", err
	}
	return
}

func quote(val interface{}) string {
	switch v := val.(type) {
	case string:
		return shellescape.Quote(v)
	case []string:
		return shellescape.QuoteCommand(v)
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, quote(item))
		}
		return strings.Join(parts, " ")
	case map[string]interface{}:
		// tables render as sorted key=value words
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, shellescape.Quote(fmt.Sprintf("%s=%v", k, v[k])))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprintf("%v", v)
	}
}

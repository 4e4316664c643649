package handlers

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelStyle is one stylesheet entry: the provider route a node class
// resolves to. Empty fields defer to the handler defaults.
type ModelStyle struct {
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	Effort   string `yaml:"effort,omitempty" json:"effort,omitempty"`
}

// Stylesheet maps node classes to model routes. The "default" entry applies
// to nodes without a class.
type Stylesheet map[string]ModelStyle

// LoadStylesheet reads a YAML stylesheet file.
func LoadStylesheet(path string) (Stylesheet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stylesheet: %w", err)
	}
	sheet, err := ParseStylesheet(data)
	if err != nil {
		return nil, fmt.Errorf("stylesheet %s: %w", path, err)
	}
	return sheet, nil
}

// ParseStylesheet decodes stylesheet YAML. An entry is either a bare model
// string or a provider/model/effort mapping:
//
//	default: claude-sonnet-4
//	heavy:
//	  provider: anthropic
//	  model: claude-opus-4
//	  effort: high
func ParseStylesheet(data []byte) (Stylesheet, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse stylesheet: %w", err)
	}
	sheet := make(Stylesheet, len(raw))
	for class, node := range raw {
		switch node.Kind {
		case yaml.ScalarNode:
			sheet[class] = ModelStyle{Model: node.Value}
		case yaml.MappingNode:
			var style ModelStyle
			if err := node.Decode(&style); err != nil {
				return nil, fmt.Errorf("stylesheet class %q: %w", class, err)
			}
			sheet[class] = style
		default:
			return nil, fmt.Errorf("stylesheet class %q: expected string or mapping", class)
		}
	}
	return sheet, nil
}

// Resolve returns the style for a class, falling back to the "default"
// entry. The boolean reports whether any entry matched.
func (s Stylesheet) Resolve(class string) (ModelStyle, bool) {
	if class != "" {
		if style, ok := s[class]; ok {
			return style, true
		}
	}
	style, ok := s["default"]
	return style, ok
}

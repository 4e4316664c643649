package handlers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseStylesheet(t *testing.T) {
	sheet, err := ParseStylesheet([]byte(`
default: base-model
heavy:
  provider: anthropic
  model: big-model
  effort: high
cheap:
  model: small-model
`))
	if err != nil {
		t.Fatalf("ParseStylesheet() error: %v", err)
	}
	if got := sheet["default"]; got != (ModelStyle{Model: "base-model"}) {
		t.Errorf("default entry = %+v", got)
	}
	if got := sheet["heavy"]; got != (ModelStyle{Provider: "anthropic", Model: "big-model", Effort: "high"}) {
		t.Errorf("heavy entry = %+v", got)
	}
	if got := sheet["cheap"]; got != (ModelStyle{Model: "small-model"}) {
		t.Errorf("cheap entry = %+v", got)
	}
}

func TestParseStylesheetErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr string
	}{
		{"not a mapping", "- a\n- b\n", "parse stylesheet"},
		{"sequence entry", "heavy:\n  - x\n", `class "heavy"`},
		{"broken yaml", "heavy: [unclosed\n", "parse stylesheet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStylesheet([]byte(tt.source))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseStylesheet() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestStylesheetResolve(t *testing.T) {
	sheet := Stylesheet{
		"default": {Model: "base"},
		"heavy":   {Model: "big"},
	}
	if style, ok := sheet.Resolve("heavy"); !ok || style.Model != "big" {
		t.Errorf("Resolve(heavy) = %+v, %v", style, ok)
	}
	if style, ok := sheet.Resolve("unknown"); !ok || style.Model != "base" {
		t.Errorf("Resolve(unknown) = %+v, %v, want the default entry", style, ok)
	}
	if style, ok := sheet.Resolve(""); !ok || style.Model != "base" {
		t.Errorf("Resolve(\"\") = %+v, %v, want the default entry", style, ok)
	}
	bare := Stylesheet{"heavy": {Model: "big"}}
	if _, ok := bare.Resolve("unknown"); ok {
		t.Errorf("Resolve(unknown) without a default entry should miss")
	}
}

func TestLoadStylesheet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "styles.yaml")
	if err := os.WriteFile(path, []byte("default: base\n"), 0o644); err != nil {
		t.Fatalf("write stylesheet: %v", err)
	}
	sheet, err := LoadStylesheet(path)
	if err != nil {
		t.Fatalf("LoadStylesheet() error: %v", err)
	}
	if sheet["default"].Model != "base" {
		t.Errorf("loaded sheet = %+v", sheet)
	}
	if _, err := LoadStylesheet(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("LoadStylesheet() on a missing file should fail")
	}
}

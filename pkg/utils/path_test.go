package utils

import (
	"path/filepath"
	"testing"
)

func TestSecureJoin(t *testing.T) {
	base := filepath.Join("/var", "cache", "engine")

	tests := []struct {
		name     string
		elements []string
		want     string
		wantErr  bool
	}{
		{name: "simple file", elements: []string{"index.json"}, want: filepath.Join(base, "index.json")},
		{name: "nested", elements: []string{"data", "ab12.cache"}, want: filepath.Join(base, "data", "ab12.cache")},
		{name: "no elements", elements: nil, want: base},
		{name: "traversal", elements: []string{"..", "etc", "passwd"}, wantErr: true},
		{name: "hidden traversal", elements: []string{"data", "..", "..", "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SecureJoin(base, tt.elements...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SecureJoin() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("SecureJoin() = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := SecureJoin(""); err == nil {
		t.Error("expected error for empty base")
	}
}

func TestValidatePathWithinBase(t *testing.T) {
	base := filepath.Join("/var", "cache")

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "relative inside", path: "objects/a.cache"},
		{name: "absolute inside", path: filepath.Join(base, "index.json")},
		{name: "base itself", path: base},
		{name: "relative escape", path: "../secrets", wantErr: true},
		{name: "absolute outside", path: "/etc/passwd", wantErr: true},
		{name: "prefix sibling", path: "/var/cache-other/x", wantErr: true},
		{name: "empty", path: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinBase(base, tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinBase(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

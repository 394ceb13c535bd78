package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name     string
		declared int
		kind     error
		hint     string
	}{
		{"current", CurrentVersion, nil, ""},
		{"missing", 0, ErrVersionMissing, "version: 1"},
		{"negative", -3, ErrVersionOld, "migrate the file to version 1"},
		{"newer", CurrentVersion + 1, ErrVersionNew, "newer sanbao"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.declared)
			if tt.kind == nil {
				if err != nil {
					t.Fatalf("ValidateVersion(%d) error = %v", tt.declared, err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("ValidateVersion(%d) error = %T, want *VersionError", tt.declared, err)
			}
			if ve.Declared != tt.declared {
				t.Errorf("Declared = %d, want %d", ve.Declared, tt.declared)
			}
			if !errors.Is(err, tt.kind) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.kind)
			}
			if !strings.Contains(err.Error(), tt.hint) {
				t.Errorf("Error() = %q, want hint %q", err.Error(), tt.hint)
			}
		})
	}
}

package cli

import (
	"errors"
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{"ipv4", []string{"127.0.0.1:8000"}, "127.0.0.1:8000", ""},
		{"ipv6", []string{"[::1]:9000"}, "[::1]:9000", ""},
		{"missing", nil, "", "needs one argument"},
		{"too many", []string{"127.0.0.1:8000", "extra"}, "", "too many arguments"},
		{"no port", []string{"127.0.0.1"}, "", "127.0.0.1:8000"},
		{"hostname", []string{"localhost:8000"}, "", `"localhost:8000"`},
		{"garbage", []string{"not-an-address"}, "", "invalid IP address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddress(tt.args)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("ParseAddress(%v) error: %v", tt.args, err)
				}
				if addr.String() != tt.want {
					t.Errorf("ParseAddress(%v) = %s, want %s", tt.args, addr, tt.want)
				}
				return
			}

			var usage *UsageError
			if !errors.As(err, &usage) {
				t.Fatalf("ParseAddress(%v) error = %v, want *UsageError", tt.args, err)
			}
			if !strings.Contains(usage.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", usage.Error(), tt.wantErr)
			}
		})
	}
}

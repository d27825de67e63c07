package common

import "testing"

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input    string
		expected string
	}{
		{"example.com", "example.com"},
		{"Example.COM", "example.com"},
		{"https://example.com", "example.com"},
		{"https://example.com/", "example.com"},
		{"https://Example.com:443/signup/", "example.com"},
		{"http://localhost:3000", "localhost"},
		{"example.com/path/page", "example.com"},
		{"", ""},
	}

	for _, tc := range cases {
		got, err := NormalizeDomain(tc.input)
		if err != nil {
			t.Errorf("NormalizeDomain(%q) errored: %v", tc.input, err)
			continue
		}

		if got != tc.expected {
			t.Errorf("NormalizeDomain(%q): expected %q, got %q", tc.input, tc.expected, got)
		}
	}
}

func TestIsLocalhost(t *testing.T) {
	t.Parallel()

	for _, address := range []string{"localhost", "127.0.0.1", "::1"} {
		if !IsLocalhost(address) {
			t.Errorf("%q is not localhost", address)
		}
	}

	for _, address := range []string{"example.com", "127.0.0.2", ""} {
		if IsLocalhost(address) {
			t.Errorf("%q is localhost", address)
		}
	}
}

func TestEnvToBool(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"1", "y", "Y", "yes", "true", "TRUE"} {
		if !EnvToBool(value) {
			t.Errorf("%q is not true", value)
		}
	}

	for _, value := range []string{"", "0", "no", "false", "maybe"} {
		if EnvToBool(value) {
			t.Errorf("%q is true", value)
		}
	}
}

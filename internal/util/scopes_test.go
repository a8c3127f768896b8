package util

import (
	"reflect"
	"testing"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "whitespace only", input: "   ", want: nil},
		{name: "single", input: "tools:read", want: []string{"tools:read"}},
		{name: "multiple", input: "tools:read tools:call", want: []string{"tools:read", "tools:call"}},
		{name: "extra spaces", input: "  tools:read   tools:call ", want: []string{"tools:read", "tools:call"}},
		{name: "duplicates", input: "a b a", want: []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseScope(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseScope(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestJoinScopes(t *testing.T) {
	if got := JoinScopes([]string{"a", "b"}); got != "a b" {
		t.Errorf("JoinScopes() = %q, want %q", got, "a b")
	}
	if got := JoinScopes(nil); got != "" {
		t.Errorf("JoinScopes(nil) = %q, want empty", got)
	}
}

func TestScopesSubset(t *testing.T) {
	allowed := []string{"tools:read", "tools:call"}

	tests := []struct {
		name      string
		requested []string
		want      bool
	}{
		{name: "empty request", requested: nil, want: true},
		{name: "exact", requested: []string{"tools:read", "tools:call"}, want: true},
		{name: "narrower", requested: []string{"tools:read"}, want: true},
		{name: "wider", requested: []string{"tools:read", "tools:admin"}, want: false},
		{name: "disjoint", requested: []string{"other"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScopesSubset(tt.requested, allowed); got != tt.want {
				t.Errorf("ScopesSubset(%v) = %v, want %v", tt.requested, got, tt.want)
			}
		})
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.255.255.255", true},
		{"::1", true},
		{"[::1]", true},
		{"10.0.0.1", false},
		{"example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsLoopbackHostname(tt.hostname); got != tt.want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}

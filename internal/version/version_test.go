package version

import (
	"strings"
	"testing"
)

func TestGet_LdflagsWin(t *testing.T) {
	oldV, oldC, oldB := Version, Commit, BuildTime
	t.Cleanup(func() { Version, Commit, BuildTime = oldV, oldC, oldB })

	Version, Commit, BuildTime = "1.2.3", "abc1234", "2026-01-02T03:04:05Z"

	got := Get()
	if got.Version != "1.2.3" || got.Commit != "abc1234" || got.BuildTime != "2026-01-02T03:04:05Z" {
		t.Errorf("Get() = %+v, want the ldflags values", got)
	}
	if s := String(); !strings.HasPrefix(s, "1.2.3 (abc1234") || !strings.HasSuffix(s, "built 2026-01-02T03:04:05Z") {
		t.Errorf("String() = %q", s)
	}
}

func TestShortRev(t *testing.T) {
	tests := []struct {
		rev  string
		want string
	}{
		{"", ""},
		{"abc123", "abc123"},
		{"0123456789abcdef0123", "0123456789ab"},
	}
	for _, tt := range tests {
		if got := shortRev(tt.rev); got != tt.want {
			t.Errorf("shortRev(%q) = %q, want %q", tt.rev, got, tt.want)
		}
	}
}

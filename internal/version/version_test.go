package version

import "testing"

func TestString(t *testing.T) {
	defer func(v, sha, at string) { Version, GitSHA, BuildTime = v, sha, at }(Version, GitSHA, BuildTime)

	Version, GitSHA, BuildTime = "1.2.0", "abc123", "2026-01-02"
	if got, want := String(), "serialdata 1.2.0 (abc123, built 2026-01-02)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

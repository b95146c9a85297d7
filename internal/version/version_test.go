package version

import (
	"strings"
	"testing"
)

func TestInfoIncludesBuildMetadata(t *testing.T) {
	info := Info()
	for _, want := range []string{"raffled " + Version, "commit: " + Commit, "built: " + BuildDate, "go: go"} {
		if !strings.Contains(info, want) {
			t.Fatalf("expected %q in %q", want, info)
		}
	}
}

func TestUserAgent(t *testing.T) {
	if got := UserAgent(); got != "raffled/"+Version {
		t.Fatalf("UserAgent() = %q", got)
	}
}

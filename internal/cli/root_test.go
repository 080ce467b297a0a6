package cli

import (
	"testing"
)

func TestVersionNotEmpty(t *testing.T) {
	if Version == "" {
		t.Fatal("version must not be empty")
	}
}

func TestExecuteVersion(t *testing.T) {
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	out, err := captureStdout(t, Execute)
	if err != nil {
		t.Fatalf("execute version: %v", err)
	}
	requireContains(t, out, "stacktap "+Version)
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"fetch", "archives", "init", "doctor", "version"} {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q is not registered", name)
		}
	}
}

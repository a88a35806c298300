package security

import (
	"os"
	"path/filepath"
	"testing"

	"shellgated/internal/config"
)

func testWhitelist(t *testing.T) *config.Whitelist {
	t.Helper()
	wl, err := config.LoadWhitelist("")
	if err != nil {
		t.Fatalf("LoadWhitelist: %v", err)
	}
	return wl
}

func TestValidate_NotWhitelisted(t *testing.T) {
	v := NewValidator(testWhitelist(t), []string{"/proj"}, 30000)
	d := v.Validate("rm_not_a_thing", []string{"-rf", "/"}, ".", "/proj")
	if d.Allowed || d.Reason != ReasonNotWhitelisted {
		t.Fatalf("got %+v, want NOT_WHITELISTED", d)
	}
}

// TestValidate_EveryArgumentMustPass checks that a command with two
// arguments where only the first is acceptable is rejected outright,
// not allowed because some argument matched.
func TestValidate_EveryArgumentMustPass(t *testing.T) {
	v := NewValidator(testWhitelist(t), []string{"/proj"}, 30000)
	d := v.Validate("git", []string{"status", "not allowed"}, ".", "/proj")
	if d.Allowed || d.Reason != ReasonNotInAllowlist {
		t.Fatalf("expected rejection when a later argument fails validation, got %+v", d)
	}
}

func TestValidate_InjectionHeuristics(t *testing.T) {
	v := NewValidator(testWhitelist(t), []string{"/proj"}, 30000)
	cases := []string{
		"`whoami`",
		"$(whoami)",
		"foo;bar",
		"foo&bar",
		"foo|bar",
		"foo<bar",
		"foo>bar",
		"foo\x00bar",
		"sudo rm -rf /",
		"${HOME}",
		"../../etc/passwd",
	}
	for _, arg := range cases {
		d := v.Validate("echo", []string{arg}, ".", "/proj")
		if d.Allowed {
			t.Errorf("arg %q: expected injection rejection, got allowed", arg)
		}
		if d.Reason != ReasonInjectionSuspected {
			t.Errorf("arg %q: reason = %s, want INJECTION_SUSPECTED", arg, d.Reason)
		}
	}
}

func TestValidate_AbsoluteWorkingDirForbidden(t *testing.T) {
	v := NewValidator(testWhitelist(t), []string{"/proj"}, 30000)
	d := v.Validate("echo", []string{"hi"}, "/etc", "/proj")
	if d.Allowed || d.Reason != ReasonAbsolutePathForbidden {
		t.Fatalf("got %+v, want ABSOLUTE_PATH_FORBIDDEN", d)
	}
}

func TestValidate_ProjectOnlyConfinement(t *testing.T) {
	v := NewValidator(testWhitelist(t), []string{"/proj"}, 30000)

	d := v.Validate("git", []string{"status"}, "sub", "/proj")
	if !d.Allowed {
		t.Fatalf("descendant of project root should be allowed, got %+v", d)
	}
	if d.ResolvedWorkingDir != filepath.Clean("/proj/sub") {
		t.Fatalf("resolved dir = %q", d.ResolvedWorkingDir)
	}

	d = v.Validate("git", []string{"status"}, "../outside", "/proj")
	if d.Allowed || d.Reason != ReasonOutsideProjectRoots {
		t.Fatalf("got %+v, want OUTSIDE_PROJECT_ROOTS", d)
	}
}

func TestValidate_SpecificWorkingDirs(t *testing.T) {
	wl := testWhitelist(t)
	p := wl.Patterns["echo"]
	p.WorkingDirRestriction = config.RestrictionSpecific
	p.AllowedWorkingDirs = []string{"/proj/allowed"}
	wl.Patterns["echo"] = p

	v := NewValidator(wl, []string{"/proj"}, 30000)

	d := v.Validate("echo", []string{"hi"}, "allowed", "/proj")
	if !d.Allowed {
		t.Fatalf("expected allowed for configured specific dir, got %+v", d)
	}

	d = v.Validate("echo", []string{"hi"}, "other", "/proj")
	if d.Allowed || d.Reason != ReasonNotInSpecificDirs {
		t.Fatalf("got %+v, want NOT_IN_SPECIFIC_DIRS", d)
	}
}

func TestValidate_PackageJSONRequired(t *testing.T) {
	v := NewValidator(testWhitelist(t), []string{"/proj"}, 30000)
	dir := t.TempDir()
	v.ProjectRoots = []string{dir}

	d := v.Validate("npm", []string{"install"}, ".", dir)
	if d.Allowed || d.Reason != ReasonNoPackageJSON {
		t.Fatalf("got %+v, want NO_PACKAGE_JSON", d)
	}

	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("writing package.json: %v", err)
	}
	d = v.Validate("npm", []string{"install"}, ".", dir)
	if !d.Allowed {
		t.Fatalf("expected allowed once package.json exists, got %+v", d)
	}
}

// TestValidate_PackageJSONGeneralizes checks that the package.json
// requirement fires for any pattern with RequiresPackageJSON set, not
// just "npm".
func TestValidate_PackageJSONGeneralizes(t *testing.T) {
	v := NewValidator(testWhitelist(t), []string{"/proj"}, 30000)
	dir := t.TempDir()
	v.ProjectRoots = []string{dir}

	d := v.Validate("yarn", []string{"install"}, ".", dir)
	if d.Allowed || d.Reason != ReasonNoPackageJSON {
		t.Fatalf("got %+v, want NO_PACKAGE_JSON for yarn", d)
	}
}

func TestValidate_EffectiveTimeoutFallsBackToDefault(t *testing.T) {
	v := NewValidator(testWhitelist(t), []string{"/proj"}, 45000)
	d := v.Validate("echo", []string{"hi"}, ".", "/proj")
	if !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	if d.EffectiveTimeoutMs != 45000 {
		t.Fatalf("effective timeout = %d, want 45000", d.EffectiveTimeoutMs)
	}
}

func TestSanitizeEnv(t *testing.T) {
	v := NewValidator(testWhitelist(t), []string{"/proj"}, 30000)
	parent := []string{"PATH=/usr/bin", "LD_PRELOAD=/evil.so"}
	env, reason := v.SanitizeEnv(parent, map[string]string{"FOO": "bar"})
	if reason != nil {
		t.Fatalf("unexpected rejection: %s", *reason)
	}
	for _, kv := range env {
		if kv == "LD_PRELOAD=/evil.so" {
			t.Fatalf("blocked variable leaked into child env: %v", env)
		}
	}

	_, reason = v.SanitizeEnv(parent, map[string]string{"LD_PRELOAD": "/evil.so"})
	if reason == nil || *reason != ReasonUntrustedEnvironment {
		t.Fatalf("expected UNTRUSTED_ENVIRONMENT for blocked extra, got %v", reason)
	}
}

func TestSanitizeOutput(t *testing.T) {
	out := SanitizeOutput("login password=hunter2 token=abc123 ok")
	if out == "login password=hunter2 token=abc123 ok" {
		t.Fatalf("expected redaction, got unchanged output")
	}
}

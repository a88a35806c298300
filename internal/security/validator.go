package security

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"shellgated/internal/config"
)

// Reason is a stable failure code surfaced to the caller when a command
// is denied.
type Reason string

const (
	ReasonNotWhitelisted     Reason = "NOT_WHITELISTED"
	ReasonNotInAllowlist     Reason = "NOT_IN_ALLOWLIST"
	ReasonInjectionSuspected Reason = "INJECTION_SUSPECTED"
	ReasonAbsolutePathForbidden Reason = "ABSOLUTE_PATH_FORBIDDEN"
	ReasonOutsideProjectRoots   Reason = "OUTSIDE_PROJECT_ROOTS"
	ReasonNotInSpecificDirs     Reason = "NOT_IN_SPECIFIC_DIRS"
	ReasonNoPackageJSON         Reason = "NO_PACKAGE_JSON"
	ReasonUntrustedEnvironment  Reason = "UNTRUSTED_ENVIRONMENT"
)

// Decision is the result of validating one command request.
type Decision struct {
	Allowed            bool
	Reason             Reason
	MatchedPattern     *config.CommandPattern
	SanitizedArgs      []string
	ResolvedWorkingDir string
	EffectiveTimeoutMs int64
}

// injectionLeadingToken matches a leading token that must never start a
// validated argument, regardless of whitelist membership.
var injectionLeadingToken = regexp.MustCompile(`(?i)^(sudo|su|chmod|chown|rm\s+-rf|eval|exec)\b`)

var injectionMetachars = regexp.MustCompile("[;&|<>\x00]")
var injectionSubshell = regexp.MustCompile("`|\\$\\(")
var injectionEnvExpansion = regexp.MustCompile(`^\$\{.*\}$`)

// Validator implements the C1 contract: validate(command, args,
// requested_dir, start_dir).
type Validator struct {
	Whitelist          *config.Whitelist
	ProjectRoots       []string
	DefaultTimeoutMs   int64
	EnvBlocked         map[string]bool
	EnvAllowed         map[string]bool // nil means "no allow-list configured"
}

// NewValidator builds a Validator from a compiled whitelist and the
// project roots that "project-only" patterns are confined to.
func NewValidator(wl *config.Whitelist, projectRoots []string, defaultTimeoutMs int64) *Validator {
	return &Validator{
		Whitelist:        wl,
		ProjectRoots:     projectRoots,
		DefaultTimeoutMs: defaultTimeoutMs,
		EnvBlocked: map[string]bool{
			"LD_PRELOAD": true, "LD_LIBRARY_PATH": true, "DYLD_INSERT_LIBRARIES": true,
		},
	}
}

func deny(reason Reason) Decision { return Decision{Allowed: false, Reason: reason} }

// containsInjection reports whether arg trips any of the injection
// heuristics. It never consults the whitelist — these checks are
// unconditional, independent of whether the command is otherwise allowed.
func containsInjection(arg string) bool {
	if injectionSubshell.MatchString(arg) {
		return true
	}
	if injectionMetachars.MatchString(arg) {
		return true
	}
	if injectionLeadingToken.MatchString(strings.TrimSpace(arg)) {
		return true
	}
	if injectionEnvExpansion.MatchString(arg) {
		return true
	}
	if strings.Contains(arg, "..") {
		return true
	}
	return false
}

// argAllowed reports whether arg is accepted by the pattern's literal
// allow-list or any one of its regex patterns. This is evaluated
// independently for every argument — there is no "first accepted
// argument wins for the whole command" shortcut.
func argAllowed(p *config.CommandPattern, arg string) bool {
	for _, allowed := range p.AllowedArgs {
		if arg == allowed {
			return true
		}
	}
	for _, re := range p.ArgPatterns {
		if re.MatchString(arg) {
			return true
		}
	}
	return false
}

// Validate implements the C1 algorithm in full: whitelist lookup,
// per-argument injection + allow-list checks, working-directory
// confinement, and the package.json precondition.
func (v *Validator) Validate(command string, args []string, requestedDir, startDir string) Decision {
	pattern, ok := v.Whitelist.Patterns[command]
	if !ok {
		return deny(ReasonNotWhitelisted)
	}

	for _, arg := range args {
		if containsInjection(arg) {
			return deny(ReasonInjectionSuspected)
		}
	}

	// Require EVERY argument to satisfy the literal allow-list or a regex
	// pattern. Unlike the short-circuiting bug this replaces, one accepted
	// argument does not excuse the rest.
	if len(pattern.AllowedArgs) > 0 || len(pattern.ArgPatterns) > 0 {
		for _, arg := range args {
			if !argAllowed(&pattern, arg) {
				return deny(ReasonNotInAllowlist)
			}
		}
	}

	if filepath.IsAbs(requestedDir) {
		return deny(ReasonAbsolutePathForbidden)
	}
	resolved := filepath.Clean(filepath.Join(startDir, requestedDir))

	switch pattern.WorkingDirRestriction {
	case config.RestrictionProjectOnly:
		if !underAnyRoot(resolved, v.ProjectRoots) {
			return deny(ReasonOutsideProjectRoots)
		}
	case config.RestrictionSpecific:
		if !underAnyRoot(resolved, pattern.AllowedWorkingDirs) {
			return deny(ReasonNotInSpecificDirs)
		}
	case config.RestrictionNone:
		// no check
	}

	if pattern.RequiresPackageJSON {
		if _, err := os.Stat(filepath.Join(resolved, "package.json")); err != nil {
			return deny(ReasonNoPackageJSON)
		}
	}

	timeout := pattern.TimeoutMs
	if timeout == 0 {
		timeout = v.DefaultTimeoutMs
	}

	return Decision{
		Allowed:            true,
		MatchedPattern:     &pattern,
		SanitizedArgs:      args,
		ResolvedWorkingDir: resolved,
		EffectiveTimeoutMs: timeout,
	}
}

// underAnyRoot reports whether path is equal to or a descendant of one of
// roots.
func underAnyRoot(path string, roots []string) bool {
	path = filepath.Clean(path)
	for _, root := range roots {
		root = filepath.Clean(root)
		if path == root {
			return true
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..") {
			return true
		}
	}
	return false
}

// SanitizeEnv builds a child environment in three steps: copy the
// parent environment minus blocked names, intersect
// with an allow-list if one is configured, then overlay caller extras
// subject to the same rules. Every extra key must pass both checks or
// the whole request is rejected with UNTRUSTED_ENVIRONMENT.
func (v *Validator) SanitizeEnv(parent []string, extras map[string]string) ([]string, *Reason) {
	env := make([]string, 0, len(parent))
	for _, kv := range parent {
		name := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			name = kv[:idx]
		}
		if v.EnvBlocked[name] {
			continue
		}
		if v.EnvAllowed != nil && !v.EnvAllowed[name] {
			continue
		}
		env = append(env, kv)
	}
	for name, value := range extras {
		if v.EnvBlocked[name] {
			r := ReasonUntrustedEnvironment
			return nil, &r
		}
		if v.EnvAllowed != nil && !v.EnvAllowed[name] {
			r := ReasonUntrustedEnvironment
			return nil, &r
		}
		env = append(env, name+"="+value)
	}
	return env, nil
}

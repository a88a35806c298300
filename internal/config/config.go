// Package config loads process configuration from the environment via
// envconfig and the command whitelist from a JSON file, compiling regex
// patterns once at load time so the whitelist is a fixed, versioned
// shape applied once at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/kelseyhightower/envconfig"
)

// WorkingDirRestriction is the tagged variant governing how a command
// pattern constrains the resolved working directory.
type WorkingDirRestriction string

const (
	RestrictionNone        WorkingDirRestriction = "none"
	RestrictionProjectOnly WorkingDirRestriction = "project-only"
	RestrictionSpecific    WorkingDirRestriction = "specific"
)

// CommandPattern is one whitelist entry: a command name plus the argument
// grammar and working-directory policy it is validated against.
type CommandPattern struct {
	Command              string                `json:"command"`
	AllowedArgs          []string              `json:"allowed_args,omitempty"`
	ArgPatternStrings    []string              `json:"arg_patterns,omitempty"`
	ArgPatterns          []*regexp.Regexp      `json:"-"`
	TimeoutMs            int64                 `json:"timeout_ms,omitempty"`
	WorkingDirRestriction WorkingDirRestriction `json:"working_dir_restriction"`
	AllowedWorkingDirs   []string              `json:"allowed_working_dirs,omitempty"`
	RequiresConfirmation bool                  `json:"requires_confirmation"`
	RequiresPackageJSON  bool                  `json:"requires_package_json,omitempty"`
	Description          string                `json:"description,omitempty"`
}

// compile parses ArgPatternStrings into ArgPatterns once, at load time.
func (p *CommandPattern) compile() error {
	for _, s := range p.ArgPatternStrings {
		re, err := regexp.Compile(s)
		if err != nil {
			return fmt.Errorf("command %q: compiling arg pattern %q: %w", p.Command, s, err)
		}
		p.ArgPatterns = append(p.ArgPatterns, re)
	}
	return nil
}

// Whitelist is the compiled set of command patterns, keyed by command name.
type Whitelist struct {
	Patterns map[string]CommandPattern
}

// LoadWhitelist reads and compiles the command-pattern file at path. A
// missing path falls back to DefaultPatterns so the service is usable
// out of the box.
func LoadWhitelist(path string) (*Whitelist, error) {
	if path == "" {
		return compileWhitelist(DefaultPatterns())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading command pattern file %s: %w", path, err)
	}
	var patterns []CommandPattern
	if err := json.Unmarshal(raw, &patterns); err != nil {
		return nil, fmt.Errorf("parsing command pattern file %s: %w", path, err)
	}
	return compileWhitelist(patterns)
}

func compileWhitelist(patterns []CommandPattern) (*Whitelist, error) {
	w := &Whitelist{Patterns: make(map[string]CommandPattern, len(patterns))}
	for _, p := range patterns {
		if err := p.compile(); err != nil {
			return nil, err
		}
		w.Patterns[p.Command] = p
	}
	return w, nil
}

// DefaultPatterns is the whitelist shipped when no config file is given:
// the common package-manager / build / VCS / container surface a
// development agent legitimately needs.
func DefaultPatterns() []CommandPattern {
	ident := `^[\w.\-@/:=]+$`
	return []CommandPattern{
		{
			Command:               "echo",
			ArgPatternStrings:     []string{`^[\w\s\-_.]*$`},
			WorkingDirRestriction: RestrictionNone,
			RequiresConfirmation:  false,
			Description:           "Print arguments",
		},
		{
			Command:               "git",
			AllowedArgs:           []string{"status", "diff", "log", "branch", "fetch", "pull", "push", "add", "commit", "checkout"},
			ArgPatternStrings:     []string{ident},
			WorkingDirRestriction: RestrictionProjectOnly,
			RequiresConfirmation:  true,
			Description:           "Git version control",
		},
		{
			Command:               "npm",
			AllowedArgs:           []string{"install", "ci", "run", "test", "build", "start"},
			ArgPatternStrings:     []string{ident},
			WorkingDirRestriction: RestrictionProjectOnly,
			RequiresConfirmation:  true,
			RequiresPackageJSON:   true,
			Description:           "Node package manager",
		},
		{
			Command:               "npx",
			ArgPatternStrings:     []string{ident},
			WorkingDirRestriction: RestrictionProjectOnly,
			RequiresConfirmation:  true,
			RequiresPackageJSON:   true,
			Description:           "Node package executor",
		},
		{
			Command:               "yarn",
			ArgPatternStrings:     []string{ident},
			WorkingDirRestriction: RestrictionProjectOnly,
			RequiresConfirmation:  true,
			RequiresPackageJSON:   true,
			Description:           "Yarn package manager",
		},
		{
			Command:               "pnpm",
			ArgPatternStrings:     []string{ident},
			WorkingDirRestriction: RestrictionProjectOnly,
			RequiresConfirmation:  true,
			RequiresPackageJSON:   true,
			Description:           "pnpm package manager",
		},
		{
			Command:               "go",
			AllowedArgs:           []string{"build", "test", "vet", "fmt", "mod", "run", "download", "tidy"},
			ArgPatternStrings:     []string{ident},
			WorkingDirRestriction: RestrictionProjectOnly,
			RequiresConfirmation:  false,
			Description:           "Go toolchain",
		},
		{
			Command:               "make",
			ArgPatternStrings:     []string{ident},
			WorkingDirRestriction: RestrictionProjectOnly,
			RequiresConfirmation:  true,
			Description:           "Make build tool",
		},
		{
			Command:               "docker",
			AllowedArgs:           []string{"build", "ps", "images", "inspect", "logs"},
			ArgPatternStrings:     []string{ident},
			WorkingDirRestriction: RestrictionProjectOnly,
			RequiresConfirmation:  true,
			Description:           "Docker container engine",
		},
		{
			Command:               "rm",
			AllowedArgs:           []string{"-rf", "-r", "-f"},
			ArgPatternStrings:     []string{ident},
			WorkingDirRestriction: RestrictionProjectOnly,
			RequiresConfirmation:  true,
			Description:           "Remove files or directories",
		},
	}
}

// Config is the process-wide environment configuration, loaded once at
// startup via envconfig.
type Config struct {
	ConfigPath    string `envconfig:"MCP_SHELL_CONFIG_PATH"`
	StartDir      string `envconfig:"MCP_SHELL_START_DIRECTORY"`
	LogLevel      string `envconfig:"MCP_SHELL_LOG_LEVEL" default:"info"`
	MaxConcurrent int    `envconfig:"MCP_SHELL_MAX_CONCURRENT" default:"3"`
	TimeoutMs     int    `envconfig:"MCP_SHELL_TIMEOUT" default:"30000"`

	QueueBaseDir          string `envconfig:"ASYNC_QUEUE_BASE_DIR" default:"."`
	QueueSubdir           string `envconfig:"ASYNC_QUEUE_SUBDIR" default:"async-queue"`
	QueueCapacity         int    `envconfig:"ASYNC_QUEUE_CAPACITY" default:"500"`
	QueueCleanupInterval  int    `envconfig:"ASYNC_QUEUE_CLEANUP_INTERVAL" default:"300"`
	QueueRetentionSeconds int    `envconfig:"ASYNC_QUEUE_RETENTION" default:"604800"`

	LogFile             string `envconfig:"LOG_FILE"`
	LogMaxSizeMB        int    `envconfig:"LOG_MAX_SIZE_MB" default:"50"`
	LogRotationStrategy string `envconfig:"LOG_ROTATION_STRATEGY" default:"rotate"`
	LogKeepFiles        int    `envconfig:"LOG_KEEP_FILES" default:"5"`
	LogFormat           string `envconfig:"LOG_FORMAT" default:"text"`

	TelegramBotToken string `envconfig:"SHELLGATE_TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `envconfig:"SHELLGATE_TELEGRAM_CHAT_ID"`

	AccountsDBPath string `envconfig:"SHELLGATE_ACCOUNTS_DB" default:"./shellgate_accounts.db"`
	AuditDBPath    string `envconfig:"SHELLGATE_AUDIT_DB" default:"./shellgate_audit.db"`
	AuditKeyPath   string `envconfig:"SHELLGATE_AUDIT_KEY_PATH" default:"./shellgate_audit.key"`

	LDAPEnabled            bool     `envconfig:"SHELLGATE_LDAP_ENABLED" default:"false"`
	LDAPServer             string   `envconfig:"SHELLGATE_LDAP_SERVER"`
	LDAPPort               int      `envconfig:"SHELLGATE_LDAP_PORT" default:"389"`
	LDAPUseTLS             bool     `envconfig:"SHELLGATE_LDAP_USE_TLS" default:"false"`
	LDAPBindDN             string   `envconfig:"SHELLGATE_LDAP_BIND_DN"`
	LDAPBindPassword       string   `envconfig:"SHELLGATE_LDAP_BIND_PASSWORD"`
	LDAPBaseDN             string   `envconfig:"SHELLGATE_LDAP_BASE_DN"`
	LDAPUserFilter         string   `envconfig:"SHELLGATE_LDAP_USER_FILTER" default:"(uid={username})"`
	LDAPUserIDAttribute    string   `envconfig:"SHELLGATE_LDAP_USER_ID_ATTR" default:"uid"`
	LDAPUserEmailAttribute string   `envconfig:"SHELLGATE_LDAP_USER_EMAIL_ATTR" default:"mail"`
	LDAPGroupBaseDN        string   `envconfig:"SHELLGATE_LDAP_GROUP_BASE_DN"`
	LDAPGroupFilter        string   `envconfig:"SHELLGATE_LDAP_GROUP_FILTER" default:"(member={user_dn})"`
	LDAPAdminGroups        []string `envconfig:"SHELLGATE_LDAP_ADMIN_GROUPS"`
	LDAPTimeoutSeconds     int      `envconfig:"SHELLGATE_LDAP_TIMEOUT" default:"10"`
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}
	if c.MaxConcurrent < 1 || c.MaxConcurrent > 10 {
		return nil, fmt.Errorf("MCP_SHELL_MAX_CONCURRENT must be between 1 and 10, got %d", c.MaxConcurrent)
	}
	if c.TimeoutMs < 1000 || c.TimeoutMs > 300000 {
		return nil, fmt.Errorf("MCP_SHELL_TIMEOUT must be between 1000 and 300000, got %d", c.TimeoutMs)
	}
	return &c, nil
}

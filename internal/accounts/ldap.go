package accounts

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
)

// LDAPConfig configures optional enterprise bind-based operator
// authentication, an alternative to the local bcrypt accounts above.
type LDAPConfig struct {
	Enabled            bool
	Server             string
	Port               int
	UseTLS             bool
	BindDN             string
	BindPassword       string
	BaseDN             string
	UserFilter         string
	UserIDAttribute    string
	UserEmailAttribute string
	GroupBaseDN        string
	GroupFilter        string
	AdminGroups        []string
	Timeout            int // seconds
}

// LDAPUser is an operator resolved from a directory bind.
type LDAPUser struct {
	DN     string
	Username string
	Email  string
	Groups []string
	Role   Role
}

// LDAPClient wraps a per-authentication LDAP connection: connect, bind
// as a service account, search, re-bind as the user to verify the
// password, then fetch groups.
type LDAPClient struct {
	config *LDAPConfig
	conn   *ldap.Conn
}

// NewLDAPClient builds a client against config.
func NewLDAPClient(config *LDAPConfig) *LDAPClient {
	return &LDAPClient{config: config}
}

func (c *LDAPClient) connect() error {
	address := fmt.Sprintf("%s:%d", c.config.Server, c.config.Port)
	var conn *ldap.Conn
	var err error
	if c.config.UseTLS {
		tlsConfig := &tls.Config{ServerName: c.config.Server, MinVersion: tls.VersionTLS12}
		conn, err = ldap.DialTLS("tcp", address, tlsConfig)
	} else {
		conn, err = ldap.Dial("tcp", address)
	}
	if err != nil {
		return fmt.Errorf("connecting to LDAP server: %w", err)
	}
	if c.config.Timeout > 0 {
		conn.SetTimeout(time.Duration(c.config.Timeout) * time.Second)
	}
	c.conn = conn
	return nil
}

func (c *LDAPClient) close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *LDAPClient) bindService() error {
	if c.conn == nil {
		return fmt.Errorf("not connected to LDAP server")
	}
	if err := c.conn.Bind(c.config.BindDN, c.config.BindPassword); err != nil {
		return fmt.Errorf("service bind failed: %w", err)
	}
	return nil
}

// Authenticate binds as the service account, searches for username,
// verifies the password by binding as the user, then resolves group
// membership into a Role.
func (c *LDAPClient) Authenticate(username, password string) (*LDAPUser, error) {
	if err := c.connect(); err != nil {
		return nil, err
	}
	defer c.close()

	if err := c.bindService(); err != nil {
		return nil, err
	}

	user, err := c.searchUser(username)
	if err != nil {
		return nil, err
	}

	if err := c.conn.Bind(user.DN, password); err != nil {
		return nil, fmt.Errorf("authentication failed: invalid credentials")
	}

	if err := c.bindService(); err != nil {
		return nil, err
	}

	groups, err := c.userGroups(user.DN)
	if err != nil {
		return nil, err
	}
	user.Groups = groups
	user.Role = RoleViewer
	for _, g := range groups {
		for _, admin := range c.config.AdminGroups {
			if strings.EqualFold(g, admin) {
				user.Role = RoleAdmin
			}
		}
	}
	return user, nil
}

func (c *LDAPClient) searchUser(username string) (*LDAPUser, error) {
	filter := strings.ReplaceAll(c.config.UserFilter, "{username}", ldap.EscapeFilter(username))

	req := ldap.NewSearchRequest(
		c.config.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		[]string{c.config.UserIDAttribute, c.config.UserEmailAttribute, "cn", "displayName"},
		nil,
	)
	result, err := c.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("user search failed: %w", err)
	}
	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("user not found: %s", username)
	}
	if len(result.Entries) > 1 {
		return nil, fmt.Errorf("multiple users found for: %s", username)
	}

	entry := result.Entries[0]
	user := &LDAPUser{
		DN:       entry.DN,
		Username: entry.GetAttributeValue(c.config.UserIDAttribute),
		Email:    entry.GetAttributeValue(c.config.UserEmailAttribute),
	}
	if user.Username == "" {
		user.Username = username
	}
	return user, nil
}

func (c *LDAPClient) userGroups(userDN string) ([]string, error) {
	if c.config.GroupBaseDN == "" {
		return nil, nil
	}
	filter := strings.ReplaceAll(c.config.GroupFilter, "{user_dn}", ldap.EscapeFilter(userDN))

	req := ldap.NewSearchRequest(
		c.config.GroupBaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"cn"}, nil,
	)
	result, err := c.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("group search failed: %w", err)
	}
	var groups []string
	for _, entry := range result.Entries {
		if cn := entry.GetAttributeValue("cn"); cn != "" {
			groups = append(groups, cn)
		}
	}
	return groups, nil
}

// ValidateLDAPConfig checks that an enabled config has the fields it
// needs before the first authentication attempt.
func ValidateLDAPConfig(config *LDAPConfig) error {
	if !config.Enabled {
		return nil
	}
	if config.Server == "" {
		return fmt.Errorf("LDAP server is required")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("invalid LDAP port")
	}
	if config.BindDN == "" || config.BindPassword == "" {
		return fmt.Errorf("LDAP bind credentials are required")
	}
	if config.BaseDN == "" {
		return fmt.Errorf("LDAP base DN is required")
	}
	if !strings.Contains(config.UserFilter, "{username}") {
		return fmt.Errorf("LDAP user filter must contain {username}")
	}
	return nil
}

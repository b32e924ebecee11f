package directory

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Username placeholders recognized in user filters and DN templates.
// {username} is the canonical form. The bare {} form is a legacy alias and
// keeps its historical precedence: it is checked first.
const (
	placeholderCanonical = "{username}"
	placeholderLegacy    = "{}"
)

// defaultEnumerationFilter enumerates person entries when no filter is
// configured.
const defaultEnumerationFilter = "(objectClass=person)"

// buildUserFilter renders the search filter that locates exactly one user.
// The username is filter-escaped before substitution so user input can never
// change the filter structure. When the configured filter carries no
// placeholder, it is ignored for lookup and a plain equality match on the
// mapped username attribute is used instead.
func buildUserFilter(cfg *Config, username string) string {
	esc := ldap.EscapeFilter(username)
	f := cfg.UserFilter
	switch {
	case strings.Contains(f, placeholderLegacy):
		return strings.ReplaceAll(f, placeholderLegacy, esc)
	case strings.Contains(f, placeholderCanonical):
		return strings.ReplaceAll(f, placeholderCanonical, esc)
	default:
		return fmt.Sprintf("(%s=%s)", cfg.Mapping.withDefaults().Username, esc)
	}
}

// buildEnumerationFilter renders the filter for a full directory sweep. Any
// username placeholder in the configured filter widens to a wildcard so the
// same filter serves both lookup and enumeration.
func buildEnumerationFilter(cfg *Config) string {
	f := strings.TrimSpace(cfg.UserFilter)
	if f == "" {
		return defaultEnumerationFilter
	}
	f = strings.ReplaceAll(f, placeholderLegacy, "*")
	f = strings.ReplaceAll(f, placeholderCanonical, "*")
	return f
}

// renderDNTemplate substitutes the username into a DN template such as
// "uid={username},ou=people,dc=example,dc=org". DN escaping applies here,
// not filter escaping.
func renderDNTemplate(template, username string) string {
	return strings.ReplaceAll(template, placeholderCanonical, ldap.EscapeDN(username))
}

// MapEntry projects a directory entry into a Profile using the mapping.
// Multi-valued attributes resolve to their first value, absent ones to the
// empty string, and the raw single values ride along in Attributes.
func MapEntry(entry *ldap.Entry, mapping AttributeMapping) *Profile {
	m := mapping.withDefaults()
	p := &Profile{
		DN:          entry.DN,
		Username:    entry.GetAttributeValue(m.Username),
		Email:       entry.GetAttributeValue(m.Email),
		DisplayName: entry.GetAttributeValue(m.DisplayName),
		FirstName:   entry.GetAttributeValue(m.FirstName),
		LastName:    entry.GetAttributeValue(m.LastName),
		Attributes:  make(map[string]string, len(entry.Attributes)),
	}
	for _, attr := range entry.Attributes {
		if len(attr.Values) > 0 {
			p.Attributes[attr.Name] = attr.Values[0]
		}
	}
	return p
}

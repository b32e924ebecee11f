package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildUserFilter(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		mapping  AttributeMapping
		username string
		expected string
	}{
		{
			name:     "legacy placeholder",
			filter:   "(&(objectClass=person)(uid={}))",
			username: "alice",
			expected: "(&(objectClass=person)(uid=alice))",
		},
		{
			name:     "named placeholder",
			filter:   "(&(objectClass=person)(sAMAccountName={username}))",
			username: "alice",
			expected: "(&(objectClass=person)(sAMAccountName=alice))",
		},
		{
			name:     "legacy placeholder wins over named",
			filter:   "(&(uid={})(cn={username}))",
			username: "alice",
			expected: "(&(uid=alice)(cn={username}))",
		},
		{
			name:     "no placeholder falls back to equality on mapped attribute",
			filter:   "(objectClass=person)",
			username: "alice",
			expected: "(uid=alice)",
		},
		{
			name:     "equality fallback honors custom mapping",
			filter:   "",
			mapping:  AttributeMapping{Username: "sAMAccountName"},
			username: "alice",
			expected: "(sAMAccountName=alice)",
		},
		{
			name:     "username is filter escaped",
			filter:   "(uid={username})",
			username: "al*ce)(uid=admin",
			expected: `(uid=al\2ace\29\28uid=admin)`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{UserFilter: tt.filter, Mapping: tt.mapping}
			assert.Equal(t, tt.expected, buildUserFilter(cfg, tt.username))
		})
	}
}

func TestBuildEnumerationFilter(t *testing.T) {
	tests := []struct {
		name     string
		filter   string
		expected string
	}{
		{
			name:     "empty filter uses person default",
			filter:   "",
			expected: "(objectClass=person)",
		},
		{
			name:     "plain filter passes through",
			filter:   "(&(objectClass=user)(memberOf=cn=staff,dc=example,dc=org))",
			expected: "(&(objectClass=user)(memberOf=cn=staff,dc=example,dc=org))",
		},
		{
			name:     "named placeholder widens to wildcard",
			filter:   "(&(objectClass=person)(uid={username}))",
			expected: "(&(objectClass=person)(uid=*))",
		},
		{
			name:     "legacy placeholder widens to wildcard",
			filter:   "(uid={})",
			expected: "(uid=*)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{UserFilter: tt.filter}
			assert.Equal(t, tt.expected, buildEnumerationFilter(cfg))
		})
	}
}

func TestRenderDNTemplate(t *testing.T) {
	assert.Equal(t, "uid=alice,ou=people,dc=example,dc=org",
		renderDNTemplate("uid={username},ou=people,dc=example,dc=org", "alice"))

	// DN metacharacters must not break out of the RDN.
	assert.Equal(t, `uid=a\,b,ou=people,dc=example,dc=org`,
		renderDNTemplate("uid={username},ou=people,dc=example,dc=org", "a,b"))
}

func TestMapEntry(t *testing.T) {
	e := entry("uid=alice,ou=people,dc=example,dc=org", map[string][]string{
		"uid":         {"alice"},
		"mail":        {"alice@example.org", "a.smith@example.org"},
		"displayName": {"Alice Smith"},
		"givenName":   {"Alice"},
		"sn":          {"Smith"},
		"cn":          {"Alice Smith"},
	})

	p := MapEntry(e, AttributeMapping{})
	assert.Equal(t, "uid=alice,ou=people,dc=example,dc=org", p.DN)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "alice@example.org", p.Email, "multi-valued attributes resolve to the first value")
	assert.Equal(t, "Alice Smith", p.DisplayName)
	assert.Equal(t, "Alice", p.FirstName)
	assert.Equal(t, "Smith", p.LastName)
	assert.Equal(t, "Alice Smith", p.Attributes["cn"])
}

func TestMapEntryMissingAttributes(t *testing.T) {
	e := entry("uid=bob,ou=people,dc=example,dc=org", map[string][]string{
		"uid": {"bob"},
	})

	p := MapEntry(e, AttributeMapping{})
	assert.Equal(t, "bob", p.Username)
	assert.Empty(t, p.Email, "absent attributes map to empty strings, not errors")
	assert.Empty(t, p.DisplayName)
	assert.Empty(t, p.FirstName)
	assert.Empty(t, p.LastName)
}

func TestMapEntryCustomMapping(t *testing.T) {
	e := entry("cn=carol,ou=staff,dc=example,dc=org", map[string][]string{
		"sAMAccountName": {"carol"},
		"userPrincipalName": {"carol@corp.example.org"},
	})

	mapping := AttributeMapping{Username: "sAMAccountName", Email: "userPrincipalName"}
	p := MapEntry(e, mapping)
	assert.Equal(t, "carol", p.Username)
	assert.Equal(t, "carol@corp.example.org", p.Email)
}

func TestAttributeMappingDefaults(t *testing.T) {
	m := AttributeMapping{Email: "userPrincipalName"}.withDefaults()
	assert.Equal(t, "uid", m.Username)
	assert.Equal(t, "userPrincipalName", m.Email)
	assert.Equal(t, "displayName", m.DisplayName)
	assert.Equal(t, "givenName", m.FirstName)
	assert.Equal(t, "sn", m.LastName)

	attrs := AttributeMapping{}.attributeList()
	assert.Contains(t, attrs, "uid")
	assert.Contains(t, attrs, "mail")
	assert.Contains(t, attrs, "cn")
}

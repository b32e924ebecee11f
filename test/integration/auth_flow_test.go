//go:build integration

package integration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginFlow(t *testing.T) {
	requireStack(t)

	var token string

	t.Run("login returns a signed token and profile", func(t *testing.T) {
		loginData := fmt.Sprintf(`{"username":%q,"password":%q}`, adminUsername, adminPassword)
		status, body := apiRequest(t, "POST", baseURL+"/api/v1/auth/login", loginData, "")

		require.Equal(t, 200, status)
		token, _ = body["token"].(string)
		require.NotEmpty(t, token)
		assert.NotEmpty(t, body["session_id"])

		profile, ok := body["profile"].(map[string]interface{})
		require.True(t, ok, "login response missing profile")
		assert.Equal(t, adminUsername, profile["username"])
		assert.NotEmpty(t, profile["dn"])
	})

	t.Run("token claims carry identity and session", func(t *testing.T) {
		claims := decodeJWTPayload(t, token)

		assert.Equal(t, adminUsername, claims["username"])
		assert.Equal(t, "dirgate", claims["iss"])
		assert.NotEmpty(t, claims["dn"])
		assert.NotEmpty(t, claims["sid"])
		assert.NotEmpty(t, claims["exp"])
	})

	t.Run("me reflects the authenticated user", func(t *testing.T) {
		status, body := apiRequest(t, "GET", baseURL+"/api/v1/auth/me", "", token)

		assert.Equal(t, 200, status)
		assert.Equal(t, adminUsername, body["username"])
		assert.NotEmpty(t, body["session_id"])
	})
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	requireStack(t)

	t.Run("wrong password", func(t *testing.T) {
		loginData := fmt.Sprintf(`{"username":%q,"password":"definitely-wrong"}`, adminUsername)
		status, body := apiRequest(t, "POST", baseURL+"/api/v1/auth/login", loginData, "")

		assert.Equal(t, 401, status)
		assert.Equal(t, "Invalid username or password", body["message"])
		assert.NotContains(t, body, "token")
	})

	t.Run("unknown user gets the same answer", func(t *testing.T) {
		status, body := apiRequest(t, "POST", baseURL+"/api/v1/auth/login",
			`{"username":"no-such-user-xyzzy","password":"whatever"}`, "")

		assert.Equal(t, 401, status)
		assert.Equal(t, "Invalid username or password", body["message"])
	})

	t.Run("missing password", func(t *testing.T) {
		loginData := fmt.Sprintf(`{"username":%q}`, adminUsername)
		status, _ := apiRequest(t, "POST", baseURL+"/api/v1/auth/login", loginData, "")

		assert.Equal(t, 400, status)
	})
}

func TestLogoutRevokesToken(t *testing.T) {
	token := loginAsAdmin(t)

	status, _ := apiRequest(t, "GET", baseURL+"/api/v1/auth/me", "", token)
	require.Equal(t, 200, status)

	status, _ = apiRequest(t, "POST", baseURL+"/api/v1/auth/logout", "", token)
	require.Equal(t, 200, status)

	t.Run("revoked token is rejected", func(t *testing.T) {
		status, _ := apiRequest(t, "GET", baseURL+"/api/v1/auth/me", "", token)
		assert.Equal(t, 401, status)
	})
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	requireStack(t)

	paths := []string{
		"/api/v1/auth/me",
		"/api/v1/directory/config",
		"/api/v1/directory/users",
		"/api/v1/directory/status",
	}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			status, _ := apiRequest(t, "GET", baseURL+path, "", "")
			assert.Equal(t, 401, status)

			status, _ = apiRequest(t, "GET", baseURL+path, "", "not-a-valid-jwt")
			assert.Equal(t, 401, status)
		})
	}
}

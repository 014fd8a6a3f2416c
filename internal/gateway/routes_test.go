package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_LongestPrefixMatch(t *testing.T) {
	table, err := ParseRoutes("/=http://web:80, /patients=http://patients:8082, /patients/admin=http://ops:9000, /analytics/=http://analytics:8084")
	require.NoError(t, err)

	cases := map[string]string{
		"/patients":            "/patients",
		"/patients/123":        "/patients",
		"/patients/admin/dead": "/patients/admin",
		"/patientsx":           "/",
		"/analytics/stats":     "/analytics",
		"/":                    "/",
	}
	for path, want := range cases {
		r, ok := table.Match(path)
		require.True(t, ok, path)
		assert.Equal(t, want, r.Prefix, path)
	}
}

func TestTable_NoMatch(t *testing.T) {
	table, err := ParseRoutes("/patients=http://patients:8082")
	require.NoError(t, err)

	_, ok := table.Match("/billing/1")
	assert.False(t, ok)
	_, ok = table.Match("/patientsx")
	assert.False(t, ok)
}

func TestParseRoutes_Invalid(t *testing.T) {
	for _, s := range []string{
		"patients=http://p:1",
		"/patients",
		"/patients=ftp://p:1",
		"/patients=http://",
		"/a=http://x:1,/a=http://y:1",
	} {
		_, err := ParseRoutes(s)
		assert.Error(t, err, s)
	}
}

func TestLoadRoutesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
routes:
  - prefix: /patients
    upstream: http://patients:8082
  - prefix: /auth
    upstream: http://auth:8081
`), 0o600))

	table, err := LoadRoutesFile(path)
	require.NoError(t, err)
	assert.Len(t, table.Routes(), 2)
	r, ok := table.Match("/auth/login")
	require.True(t, ok)
	assert.Equal(t, "auth:8081", r.Target().Host)

	require.NoError(t, os.WriteFile(path, []byte("routes:\n  - prefx: /typo\n"), 0o600))
	_, err = LoadRoutesFile(path)
	assert.Error(t, err, "unknown keys are rejected")
}

func TestRoutes_SnapshotIsStable(t *testing.T) {
	first, err := ParseRoutes("/a=http://a:1")
	require.NoError(t, err)
	routes := NewRoutes(first)

	snap := routes.Snapshot()
	second, err := ParseRoutes("/b=http://b:1")
	require.NoError(t, err)
	routes.Swap(second)

	_, ok := snap.Match("/a")
	assert.True(t, ok, "an in-flight snapshot keeps the old table")
	_, ok = routes.Snapshot().Match("/a")
	assert.False(t, ok)
}

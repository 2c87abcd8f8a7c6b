package preconf_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sky1-Linux/sky1-live-build/internal/preconf"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sky1-preconfig.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParse(t *testing.T) {
	path := writeFile(t, `# ignore me
HOSTNAME=myhost

USERNAME="alice"
PASSWORD='hunter2'
`)

	rec, err := preconf.Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "myhost", rec.Hostname)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, "hunter2", rec.Password)
	assert.Empty(t, rec.PasswordHash)
	assert.False(t, rec.Empty())
}

func TestParseUnknownKeysIgnored(t *testing.T) {
	path := writeFile(t, "LOCALE=en_US.UTF-8\n")

	rec, err := preconf.Parse(path)
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestParseHash(t *testing.T) {
	// hashes carry $ signs; they survive no matter how the user quoted
	// them, dotenv variable expansion must never see them
	cases := map[string]string{
		"single-quoted": "PASSWORD_HASH='$6$salt$abcdef'\n",
		"double-quoted": "PASSWORD_HASH=\"$6$salt$abcdef\"\n",
		"unquoted":      "PASSWORD_HASH=$6$salt$abcdef\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "USERNAME=bob\n"+content)

			rec, err := preconf.Parse(path)
			require.NoError(t, err)
			assert.Equal(t, "bob", rec.Username)
			assert.Equal(t, "$6$salt$abcdef", rec.PasswordHash)
		})
	}
}

func TestSecureErase(t *testing.T) {
	path := writeFile(t, "PASSWORD=secret\n")

	require.NoError(t, preconf.SecureErase(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// erasing an already-absent file is a no-op
	assert.NoError(t, preconf.SecureErase(path))
}

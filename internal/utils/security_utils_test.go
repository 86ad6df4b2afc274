package utils_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/steveiliop56/tinytrust/internal/utils"

	"gotest.tools/v3/assert"
)

func TestGetSecret(t *testing.T) {
	// Setup
	path := filepath.Join(t.TempDir(), "secret")
	err := os.WriteFile(path, []byte("       secret       \n"), 0600)
	assert.NilError(t, err)

	// Get from config
	assert.Equal(t, "mysecret", utils.GetSecret("mysecret", ""))

	// Get from file
	assert.Equal(t, "secret", utils.GetSecret("", path))

	// Get from both (config should take precedence)
	assert.Equal(t, "mysecret", utils.GetSecret("mysecret", path))

	// Get from none
	assert.Equal(t, "", utils.GetSecret("", ""))

	// Get from non-existing file
	assert.Equal(t, "", utils.GetSecret("", filepath.Join(t.TempDir(), "missing")))
}

func TestParseSecretFile(t *testing.T) {
	// Normal case
	assert.Equal(t, "mysecret", utils.ParseSecretFile("   mysecret   \n"))

	// Multiple lines (should take the first non-empty line)
	assert.Equal(t, "firstsecret", utils.ParseSecretFile("\n\n   firstsecret   \nsecondsecret\n"))

	// All empty lines
	assert.Equal(t, "", utils.ParseSecretFile("\n   \n  \n"))

	// Empty content
	assert.Equal(t, "", utils.ParseSecretFile(""))
}

func TestGenerateOpaqueToken(t *testing.T) {
	token, err := utils.GenerateOpaqueToken(32)
	assert.NilError(t, err)

	// 32 bytes in unpadded base64url
	assert.Equal(t, 43, len(token))

	other, err := utils.GenerateOpaqueToken(32)
	assert.NilError(t, err)
	assert.Assert(t, token != other)

	// Too little entropy
	_, err = utils.GenerateOpaqueToken(8)
	assert.ErrorContains(t, err, "at least 16 bytes")
}

func TestTokenHasher(t *testing.T) {
	hasher, err := utils.NewTokenHasher("some-secret")
	assert.NilError(t, err)

	hash := hasher.Hash("token")

	// Deterministic and hex encoded sha256
	assert.Equal(t, hash, hasher.Hash("token"))
	assert.Equal(t, 64, len(hash))
	assert.Assert(t, hash != "token")
	assert.Assert(t, hasher.Equal("token", hash))
	assert.Assert(t, !hasher.Equal("other", hash))

	// A different secret yields different hashes
	otherHasher, err := utils.NewTokenHasher("other-secret")
	assert.NilError(t, err)
	assert.Assert(t, otherHasher.Hash("token") != hash)
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "****", utils.RedactToken("short"))
	assert.Equal(t, "abcdef****", utils.RedactToken("abcdefghijklmnop"))
}

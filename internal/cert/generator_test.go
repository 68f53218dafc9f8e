package cert

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig("urn:test:pipeline")
	cfg.KeySize = 1024

	files, err := Generate(cfg, dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "ca.crt"))
	require.NoError(t, Validate(files.CertDER, files.KeyPKCS1))
	require.NoError(t, Validate(files.CertPEM, files.KeyPKCS1))

	info, err := Info(files.CertPEM)
	require.NoError(t, err)
	assert.Contains(t, info, "URI: urn:test:pipeline")

	// a second client certificate from the same CA does not match the first key
	other, err := Generate(cfg, t.TempDir())
	require.NoError(t, err)
	assert.Error(t, Validate(other.CertDER, files.KeyPKCS1))
}

func TestStorageDir(t *testing.T) {
	base := t.TempDir()
	dir, err := StorageDir(base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "certificates"), dir)
	assert.DirExists(t, dir)
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rezilient-Labs/restore-control/core/pkg/auth"
)

func TestRun_Dispatch(t *testing.T) {
	served := false
	orig := startServer
	startServer = func() int { served = true; return 0 }
	t.Cleanup(func() { startServer = orig })

	var out, errOut bytes.Buffer

	assert.Equal(t, 0, Run([]string{"rcs"}, &out, &errOut))
	assert.True(t, served)

	served = false
	assert.Equal(t, 0, Run([]string{"rcs", "server"}, &out, &errOut))
	assert.True(t, served)

	assert.Equal(t, 0, Run([]string{"rcs", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "USAGE")

	assert.Equal(t, 2, Run([]string{"rcs", "bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command")
}

func TestRun_Keygen(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"rcs", "keygen", "--key-id", "key-test-01"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "EVIDENCE_SIGNER_KEY_ID=key-test-01")
	assert.Contains(t, out.String(), "BEGIN PRIVATE KEY")
	assert.Contains(t, out.String(), "BEGIN PUBLIC KEY")
}

func TestRun_TokenRoundTrip(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"rcs", "token",
		"--secret", "test-secret-0123456789",
		"--tenant", "tenant-acme",
		"--instance", "sn-dev-01",
		"--source", "sn://acme-dev.service-now.com",
		"--subject", "operator-1",
	}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	token := strings.TrimSpace(out.String())
	require.NotEmpty(t, token)

	verifier, err := auth.NewVerifier([]byte("test-secret-0123456789"), "restore-control", "restore-api")
	require.NoError(t, err)
	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-acme", claims.TenantID)
	assert.Equal(t, "operator-1", claims.Subject)
}

func TestRun_TokenMissingFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"rcs", "token", "--tenant", "tenant-acme"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "required")
}

func TestRun_VerifyRejectsBadBundle(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o644))
	bundlePath := filepath.Join(dir, "bundle.json")
	require.NoError(t, os.WriteFile(bundlePath, []byte(`{"evidence_id":"evidence_x"}`), 0o644))

	var out, errOut bytes.Buffer
	code := Run([]string{"rcs", "verify", "--bundle", bundlePath, "--public-key", keyPath}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "public key")

	code = Run([]string{"rcs", "verify"}, &out, &errOut)
	assert.Equal(t, 2, code)
}

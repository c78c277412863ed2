package config

import (
	"os"
	"path/filepath"
	"testing"

	azerrors "azazel.dev/azazel/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestLoadMergesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "azazel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
thresholds:
  t0_normal: 25
soc:
  denylist_ips: ["192.168.1.100"]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 25, cfg.Thresholds.T0Normal)
	require.Equal(t, 50, cfg.Thresholds.T1Shield) // default preserved
	require.Equal(t, []string{"192.168.1.100"}, cfg.SOC.DenylistIPs)
}

func TestLoadMissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Equal(t, azerrors.KindValidation, azerrors.GetKind(err))
}

func TestLoadUnparseableFileIsValidationError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "azazel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("thresholds: [this is not a mapping"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Equal(t, azerrors.KindValidation, azerrors.GetKind(err))
}

func TestValidateRejectsBadThresholdOrdering(t *testing.T) {
	cfg := Defaults()
	cfg.Thresholds.T1Shield = 10 // below t0_normal
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateWarnsOnMissingWebhooks(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.Webhooks = nil
	require.NoError(t, cfg.Validate())
	require.NotEmpty(t, cfg.Warnings())
}

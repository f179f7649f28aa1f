package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ValidateMaster())
	require.NoError(t, cfg.ValidateReplica())
	require.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twopc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timeout: 3s
rpc_timeout: 500ms
master:
  address: 10.0.0.1:8000
  log_path: /var/lib/twopc/master.log
  replicas: [10.0.0.2:8888, 10.0.0.3:8888, 10.0.0.4:8888]
replica:
  node_id: r2
  address: 10.0.0.2:8888
  master_address: 10.0.0.1:8000
  log_path: /var/lib/twopc/replica.log
  store_path: /var/lib/twopc/replica.db
  poll_rate: 5
logger:
  level: debug
  format: json
telemetry:
  enabled: true
  prometheus_port: 9200
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateMaster())
	require.NoError(t, cfg.ValidateReplica())

	require.Equal(t, 3*time.Second, cfg.Timeout)
	require.Equal(t, 500*time.Millisecond, cfg.RPCTimeout)
	require.Len(t, cfg.Master.Replicas, 3)
	require.Equal(t, "r2", cfg.Replica.NodeID)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "stdout", cfg.Logger.OutputFile, "unset fields keep their defaults")
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, "twopc", cfg.Telemetry.ServiceName)

	rc := cfg.ForReplica()
	require.Equal(t, 3*time.Second, rc.Timeout)
	require.Equal(t, 5.0, rc.PollRate)
	require.Equal(t, 500*time.Millisecond, rc.PollTimeout)

	mc := cfg.ForMaster()
	require.Equal(t, "/var/lib/twopc/master.log", mc.LogPath)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("timeout: 1s\nbogus: true\n"))
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Timeout = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Master.Address = ""
	require.Error(t, cfg.ValidateMaster())
	require.NoError(t, cfg.ValidateReplica())

	cfg = Default()
	cfg.Replica.LogPath = ""
	require.Error(t, cfg.ValidateReplica())
	require.NoError(t, cfg.ValidateMaster())

	cfg = Default()
	cfg.Master.Replicas = []string{"127.0.0.1:1", ""}
	require.Error(t, cfg.ValidateMaster())

	cfg = Default()
	cfg.TLS.CAFile = "ca.crt"
	require.Error(t, cfg.Validate())
}

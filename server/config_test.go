package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Server.HTTPPort)
	assert.Equal(t, 8081, config.Server.GRPCPort)
	assert.Equal(t, "http://localhost:8080", config.Server.PublicURL)
	assert.Equal(t, "X-User", config.Server.UserHeader)
	assert.Equal(t, "memory", config.Metadata.Type)
	assert.Equal(t, "fs", config.Content.Type)
	assert.Equal(t, "video-data", config.Content.FS.BaseDir)
	assert.Equal(t, 3600, config.Cache.TTL)
	assert.Equal(t, "info", config.Log.Level)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9000
  user_header: X-Forwarded-User
metadata:
  type: redis
  redis:
    address: localhost:6379
content:
  type: s3
  s3:
    bucket_name: videos
    prefix: prod
log:
  format: json
`), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Server.HTTPPort)
	assert.Equal(t, "http://localhost:9000", config.Server.PublicURL)
	assert.Equal(t, "X-Forwarded-User", config.Server.UserHeader)
	assert.Equal(t, "redis", config.Metadata.Type)
	assert.Equal(t, "localhost:6379", config.Metadata.Redis.Address)
	assert.Equal(t, "s3", config.Content.Type)
	assert.Equal(t, "videos", config.Content.S3.BucketName)
	assert.Equal(t, "json", config.Log.Format)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "server: [\n"},
		{"unknown metadata", "metadata:\n  type: cassandra\n"},
		{"unknown content", "content:\n  type: ftp\n"},
		{"redis without address", "metadata:\n  type: redis\n"},
		{"etcd without endpoints", "metadata:\n  type: etcd\n"},
		{"documentdb without connection", "metadata:\n  type: documentdb\n"},
		{"s3 without bucket", "content:\n  type: s3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestConfigureLogging(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.NoError(t, ConfigureLogging(config))

	config.Log.Level = "loud"
	assert.Error(t, ConfigureLogging(config))

	config.Log.Level = "info"
	config.Log.Format = "xml"
	assert.Error(t, ConfigureLogging(config))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvSecret(t *testing.T) {
	t.Setenv("RELAY_JWT_HS_SECRET", "s3cret")

	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8085, c.App.Port)
	assert.Equal(t, "memory", c.App.Store)
	assert.Equal(t, "s3cret", c.JWT.HSSecret)
	assert.Equal(t, 25*time.Second, c.PingInterval)
	assert.Equal(t, 60*time.Second, c.PongWait)
	assert.Equal(t, int64(65536), c.WS.MaxMessageSizeBytes)
}

func TestLoadFileAndOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
app:
  port: 9000
  store: mongo
jwt:
  hs_secret: from-file
kafka:
  enabled: true
  brokers: ["a:9092", "b:9092"]
chat:
  greeting: "hi there"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("RELAY_APP_PORT", "9100")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, c.App.Port)
	assert.Equal(t, "mongo", c.App.Store)
	assert.Equal(t, []string{"a:9092", "b:9092"}, c.Kafka.Brokers)
	assert.Equal(t, "hi there", c.Chat.Greeting)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsPongShorterThanPing(t *testing.T) {
	t.Setenv("RELAY_JWT_HS_SECRET", "x")
	t.Setenv("RELAY_WS_PONG_WAIT_SECONDS", "10")
	_, err := Load("")
	require.Error(t, err)
}

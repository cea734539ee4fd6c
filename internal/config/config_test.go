package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "memory", c.QueueDriver)
	assert.Equal(t, "noop", c.MailProvider)
	assert.Equal(t, 4, c.DispatchConcurrency)
	assert.Equal(t, 30*time.Second, c.DispatchSendTimeout)
	assert.Equal(t, 5*time.Minute, c.DispatchStallAfter)
	assert.Equal(t, time.Minute, c.MetricsInterval)
	assert.Equal(t, 5<<20, c.MaxImageBytes)
	assert.Equal(t, []string{"http://localhost:3000"}, c.GetCORSOrigins())
	assert.Empty(t, c.GetKafkaBrokers())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DISPATCH_CONCURRENCY", "16")
	t.Setenv("DISPATCH_RATE_PER_SEC", "2.5")
	t.Setenv("DISPATCH_STALL_AFTER", "90s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("MINIO_USE_SSL", "true")

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 16, c.DispatchConcurrency)
	assert.Equal(t, 2.5, c.DispatchRatePerSec)
	assert.Equal(t, 90*time.Second, c.DispatchStallAfter)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.GetKafkaBrokers())
	assert.True(t, c.MinIOUseSSL)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"unknown queue", map[string]string{"STORE_DRIVER": "memory", "QUEUE_DRIVER": "sqs"}, "QUEUE_DRIVER"},
		{"resend without key", map[string]string{"STORE_DRIVER": "memory", "MAIL_PROVIDER": "resend"}, "RESEND_API_KEY"},
		{"production without secret", map[string]string{"STORE_DRIVER": "memory", "APP_ENV": "production"}, "JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://127.0.0.1:4222")
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
	assert.Equal(t, "daedalus", cfg.Name)
	assert.Equal(t, "daedalus.events", cfg.SubjectPrefix)
	assert.Equal(t, 3, cfg.PublishMaxRetries)
	assert.Equal(t, time.Second, cfg.PublishRetryWait)
}

func TestConnect_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *ConnectionConfig
		want string
	}{
		{"nil config", nil, "cannot be nil"},
		{"empty url", &ConnectionConfig{}, "cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Connect(context.Background(), tt.cfg, zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultConnectionConfig("nats://127.0.0.1:1")
	cfg.Timeout = 200 * time.Millisecond
	conn, err := Connect(ctx, cfg, nil)
	require.Error(t, err)
	assert.Nil(t, conn)
}

func TestCloseAndIsConnected_Nil(t *testing.T) {
	assert.NoError(t, Close(nil))
	assert.False(t, IsConnected(nil))
}

//go:build integration

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Domenick1991/staysync/config"
	"github.com/Domenick1991/staysync/internal/domain"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) config.RedisConfig {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, nat.Port("6379/tcp"))
	require.NoError(t, err)
	return config.RedisConfig{Addr: host + ":" + port.Port()}
}

func TestRedisLocker_HolderOutlivesTTL(t *testing.T) {
	ctx := context.Background()
	client := NewRedisClient(startRedis(t))
	defer client.Close()

	holder := NewRedisLocker(client, 300*time.Millisecond, 100*time.Millisecond)
	other := NewRedisLocker(client, 300*time.Millisecond, 100*time.Millisecond)

	unlock, err := holder.Lock(ctx, "P")
	require.NoError(t, err)

	// a slow update, several ttls long
	time.Sleep(time.Second)

	_, err = other.Lock(ctx, "P")
	var timeout *domain.LockTimeoutError
	require.True(t, errors.As(err, &timeout), "lock expired while still held: %v", err)

	unlock()
	unlock()

	unlockOther, err := other.Lock(ctx, "P")
	require.NoError(t, err)
	unlockOther()

	assert.Zero(t, client.Exists(ctx, lockKey("P")).Val())
}

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stall/backend/internal/config"
)

func TestOpen_Memory(t *testing.T) {
	t.Parallel()

	s, err := Open(context.Background(), &config.Config{StoreDriver: config.DriverMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(context.Background(), &config.Config{StoreDriver: config.DriverMemory, DataDir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)
	assert.NotNil(t, s.(*MemoryStore).file)
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), &config.Config{StoreDriver: "sqlite"}, zap.NewNop())
	assert.EqualError(t, err, `unknown STORE_DRIVER "sqlite"`)
}

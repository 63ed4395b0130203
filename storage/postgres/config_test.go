package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig())
	assert.Error(t, err)
}

func TestNew_InvalidConnectionString(t *testing.T) {
	config := DefaultConfig()
	config.ConnectionString = "postgres://%zz"
	_, err := New(context.Background(), config)
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.True(t, config.AutoMigrate)
	assert.Equal(t, int32(10), config.MaxConns)
}

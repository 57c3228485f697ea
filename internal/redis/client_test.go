package redisclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hackgods/clinic-token-queue/internal/config"
)

func TestOptions(t *testing.T) {
	opts := Options(config.Config{
		RedisAddr:     "cache.internal:6379",
		RedisUsername: "queue",
		RedisPassword: "secret",
		StoreTimeout:  750 * time.Millisecond,
	})

	assert.Equal(t, "cache.internal:6379", opts.Addr)
	assert.Equal(t, "queue", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, clientName, opts.ClientName)
	assert.Equal(t, 750*time.Millisecond, opts.ReadTimeout)
	assert.Equal(t, 750*time.Millisecond, opts.WriteTimeout)
	assert.Equal(t, 750*time.Millisecond, opts.DialTimeout)
}

func TestOptions_DefaultTimeout(t *testing.T) {
	opts := Options(config.Config{RedisAddr: "127.0.0.1:6379"})
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Equal(t, 2*time.Second, opts.DialTimeout)
}

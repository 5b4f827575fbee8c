package sshx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfigDefaults(t *testing.T) {
	cfg := PoolConfig{}.withDefaults()
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, 30*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)

	cfg = PoolConfig{DialTimeout: time.Second, IdleTimeout: time.Hour}.withDefaults()
	assert.Equal(t, time.Second, cfg.DialTimeout)
	assert.Equal(t, time.Hour, cfg.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.KeepAliveInterval)
}

func TestCredentialsAuthMethods(t *testing.T) {
	methods, err := Credentials{AuthType: "password", Password: "secret"}.authMethods()
	require.NoError(t, err)
	assert.Len(t, methods, 1)

	// Unknown auth types fall back to password auth.
	methods, err = Credentials{AuthType: "", Password: "secret"}.authMethods()
	require.NoError(t, err)
	assert.Len(t, methods, 1)

	_, err = Credentials{AuthType: "key", PrivateKey: "not a pem block"}.authMethods()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private key")
}

func TestGetConnectionHonorsContext(t *testing.T) {
	p := NewPool(PoolConfig{DialTimeout: time.Second})
	defer p.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.GetConnection(ctx, "192.0.2.1", 22, Credentials{Username: "u", Password: "pw"})
	require.Error(t, err, "cancelled context must abort the dial")
}

func TestGetRunnerPropagatesDialFailure(t *testing.T) {
	p := NewPool(PoolConfig{DialTimeout: time.Second})
	defer p.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_, err := p.GetRunner(ctx, "192.0.2.1", 22, Credentials{Username: "u", Password: "pw"})
	require.Error(t, err)
}

func TestTestConnectionRejectsBadKey(t *testing.T) {
	_, err := TestConnection(context.Background(), "192.0.2.1", 22, Credentials{
		Username:   "u",
		AuthType:   "key",
		PrivateKey: "garbage",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private key")
}

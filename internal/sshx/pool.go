package sshx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Credentials is everything dialing a target needs beyond its address.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey string
	AuthType   string // "password" or "key"
}

func (c Credentials) authMethods() ([]ssh.AuthMethod, error) {
	if c.AuthType == "key" {
		signer, err := ssh.ParsePrivateKey([]byte(c.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(c.Password)}, nil
}

// PoolConfig carries the pool tunables. Zero values fall back to defaults.
type PoolConfig struct {
	DialTimeout       time.Duration // TCP connect + handshake, default 10s
	KeepAliveInterval time.Duration // liveness probe cadence, default 30s
	IdleTimeout       time.Duration // unused connections closed after, default 10m
	CleanupInterval   time.Duration // idle sweep cadence, default 1m
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	return c
}

type pooledConn struct {
	client   *ssh.Client
	lastUsed time.Time
}

// Pool keeps SSH connections alive between monitoring sessions so that
// repeated probes against the same host do not re-handshake.
type Pool struct {
	cfg PoolConfig

	mu    sync.Mutex
	conns map[string][]*pooledConn // key: "host:port"

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPool(cfg PoolConfig) *Pool {
	pool := &Pool{
		cfg:    cfg.withDefaults(),
		conns:  make(map[string][]*pooledConn),
		stopCh: make(chan struct{}),
	}
	go pool.cleanupLoop()
	return pool
}

// GetRunner returns a command runner backed by a pooled connection. This
// is the surface the monitoring path consumes; callers that need the raw
// client use GetConnection.
func (p *Pool) GetRunner(ctx context.Context, host string, port int, creds Credentials) (Runner, error) {
	client, err := p.GetConnection(ctx, host, port, creds)
	if err != nil {
		return nil, err
	}
	return NewRunner(client, net.JoinHostPort(host, fmt.Sprint(port))), nil
}

// GetConnection returns a live pooled connection for the target, dialing a
// new one if none is available. The context bounds the dial only; the
// connection itself is owned by the pool.
func (p *Pool) GetConnection(ctx context.Context, host string, port int, creds Credentials) (*ssh.Client, error) {
	key := net.JoinHostPort(host, fmt.Sprint(port))

	p.mu.Lock()
	if conns, ok := p.conns[key]; ok {
		for i, conn := range conns {
			if conn.client == nil {
				continue
			}
			_, _, err := conn.client.SendRequest("keepalive@easyssh", true, nil)
			if err == nil {
				conn.lastUsed = time.Now()
				p.mu.Unlock()
				slog.Debug("Reusing SSH connection", "host", key)
				return conn.client, nil
			}
			// Dead connection, remove.
			conn.client.Close()
			conns[i] = conns[len(conns)-1]
			p.conns[key] = conns[:len(conns)-1]
		}
	}
	p.mu.Unlock()

	client, err := dialContext(ctx, key, creds, p.cfg.DialTimeout, ssh.InsecureIgnoreHostKey())
	if err != nil {
		return nil, err
	}
	slog.Info("SSH connection established", "host", key, "user", creds.Username)

	p.mu.Lock()
	p.conns[key] = append(p.conns[key], &pooledConn{
		client:   client,
		lastUsed: time.Now(),
	})
	p.mu.Unlock()

	go p.keepAlive(client, key)

	return client, nil
}

// dialContext opens the TCP connection under both the context and the
// configured timeout, then runs the SSH handshake over it. ssh.Dial cannot
// take a context, so the two steps are split.
func dialContext(ctx context.Context, addr string, creds Credentials, timeout time.Duration, hostKey ssh.HostKeyCallback) (*ssh.Client, error) {
	authMethods, err := creds.authMethods()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	if ctx == nil {
		ctx = context.Background()
	}
	dialer := &net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (p *Pool) keepAlive(client *ssh.Client, key string) {
	ticker := time.NewTicker(p.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@easyssh", true, nil)
			if err != nil {
				slog.Debug("SSH keepalive failed, connection dead", "host", key)
				return
			}
		}
	}
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			for key, conns := range p.conns {
				alive := conns[:0]
				for _, conn := range conns {
					if time.Since(conn.lastUsed) > p.cfg.IdleTimeout {
						slog.Debug("Closing idle SSH connection", "host", key)
						conn.client.Close()
					} else {
						alive = append(alive, conn)
					}
				}
				if len(alive) == 0 {
					delete(p.conns, key)
				} else {
					p.conns[key] = alive
				}
			}
			p.mu.Unlock()
		}
	}
}

// CloseAll tears down every pooled connection and stops the background
// loops. The pool is not usable afterwards.
func (p *Pool) CloseAll() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, conns := range p.conns {
		for _, conn := range conns {
			conn.client.Close()
		}
		delete(p.conns, key)
	}
	slog.Info("All SSH connections closed")
}

// TestConnection dials the target once without pooling and returns the host
// key fingerprint after running a trivial command.
func TestConnection(ctx context.Context, host string, port int, creds Credentials) (string, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))

	var fingerprint string
	client, err := dialContext(ctx, addr, creds, 10*time.Second,
		func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			fingerprint = ssh.FingerprintSHA256(key)
			return nil
		})
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fingerprint, fmt.Errorf("session failed: %w", err)
	}
	defer session.Close()

	if _, err := session.Output("echo ok"); err != nil {
		return fingerprint, fmt.Errorf("test command failed: %w", err)
	}

	return fingerprint, nil
}

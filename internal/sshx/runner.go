package sshx

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// Runner executes commands on one remote host over an established SSH
// connection. The monitoring probes depend only on this shape, so tests
// can substitute a fake without dialing anything.
type Runner interface {
	// Output runs cmd and returns its combined stdout+stderr. The context
	// bounds the whole execution; when it expires the session is torn down
	// and the context error is returned.
	Output(ctx context.Context, cmd string) ([]byte, error)

	// Start launches a long-running command with stdin attached and returns
	// its stdout as a stream. Closing the stream terminates the remote
	// process.
	Start(ctx context.Context, cmd string, stdin io.Reader) (io.ReadCloser, error)

	// Addr returns the address the connection was dialed with.
	Addr() string
}

type clientRunner struct {
	client *ssh.Client
	addr   string
}

// NewRunner wraps an established SSH client. The runner does not own the
// client; pooled connections are closed by the pool, not by callers.
func NewRunner(client *ssh.Client, addr string) Runner {
	return &clientRunner{client: client, addr: addr}
}

func (r *clientRunner) Addr() string { return r.addr }

func (r *clientRunner) Output(ctx context.Context, cmd string) ([]byte, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		out, err := session.CombinedOutput(cmd)
		resultCh <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.output, res.err
	}
}

func (r *clientRunner) Start(ctx context.Context, cmd string, stdin io.Reader) (io.ReadCloser, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}

	session.Stdin = stdin
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}

	stream := &sessionStream{Reader: stdout, session: session}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			stream.Close()
		}()
	}
	return stream, nil
}

// sessionStream ties a stdout pipe to its session so closing the stream
// also releases the remote process.
type sessionStream struct {
	io.Reader
	session *ssh.Session
}

func (s *sessionStream) Close() error {
	return s.session.Close()
}

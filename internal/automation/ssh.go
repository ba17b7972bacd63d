package automation

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/marcus-qen/lictor/internal/fault"
)

// Credential methods the inventory service hands out.
const (
	MethodPassword   = "password"
	MethodPrivateKey = "ssh-key"
)

const dialTimeout = 10 * time.Second

// SSHRunner executes commands over SSH, one dial per command. Connections
// are not cached: credentials are zeroised after every step, so nothing may
// outlive the call that carried them.
type SSHRunner struct {
	hostKeyCallback ssh.HostKeyCallback
}

// NewSSHRunner builds a runner. A nil callback accepts any host key; pass
// one from a known_hosts file in hardened installations.
func NewSSHRunner(hostKeyCallback ssh.HostKeyCallback) *SSHRunner {
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &SSHRunner{hostKeyCallback: hostKeyCallback}
}

func (r *SSHRunner) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	auth, err := authMethod(req)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            req.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: r.hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := req.Target
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr += ":22"
	}

	start := time.Now()
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fault.Wrap(fault.Adapter, err, "ssh dial %s", addr)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fault.Wrap(fault.Adapter, err, "ssh session on %s", addr)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Run in a goroutine so a deadline can cut a command that ignores it.
	done := make(chan error, 1)
	go func() {
		done <- session.Run(req.Command)
	}()

	select {
	case err := <-done:
		res := &CommandResult{DurationMS: time.Since(start).Milliseconds()}
		var cut bool
		res.Stdout, cut = truncate(stdout.String())
		res.Truncated = cut
		res.Stderr, cut = truncate(stderr.String())
		res.Truncated = res.Truncated || cut

		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return nil, fault.Wrap(fault.Adapter, err, "ssh run on %s", addr)
		}
		return res, nil

	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, fault.Wrap(fault.Timeout, ctx.Err(), "command on %s exceeded its budget", addr)
	}
}

func authMethod(req CommandRequest) (ssh.AuthMethod, error) {
	switch req.Method {
	case MethodPrivateKey:
		signer, err := ssh.ParsePrivateKey([]byte(req.Secret))
		if err != nil {
			return nil, fault.Wrap(fault.SecretResolution, err, "parse private key for %s", req.Target)
		}
		return ssh.PublicKeys(signer), nil
	case MethodPassword, "":
		if strings.TrimSpace(req.Secret) == "" {
			return nil, fault.New(fault.SecretResolution, "no credential material for %s", req.Target)
		}
		return ssh.Password(req.Secret), nil
	default:
		return nil, fault.New(fault.Validation, "unknown credential method %q", req.Method)
	}
}

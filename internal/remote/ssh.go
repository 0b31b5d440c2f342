package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"deploy-restart-agent/internal/logger"
)

// DefaultDialTimeout bounds the TCP connect and the SSH handshake.
const DefaultDialTimeout = 10 * time.Second

// SSHConfig describes how to reach and authenticate against one host.
type SSHConfig struct {
	Addr           string // host:port
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
	DialTimeout    time.Duration
	Logger         logrus.FieldLogger
}

type sshTransport struct {
	addr    string
	timeout time.Duration
	config  *ssh.ClientConfig
}

// NewSSHTransport builds a Transport from cfg. Key and password auth are
// both offered when configured. Without a known_hosts file every host key
// is accepted and a warning is logged.
func NewSSHTransport(cfg SSHConfig) (Transport, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Addr == "" || cfg.User == "" {
		return nil, fmt.Errorf("ssh transport needs an address and a user")
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		signer, err := loadSigner(cfg.KeyFile, cfg.Password)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		password := cfg.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured for %s@%s", cfg.User, cfg.Addr)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %q: %w", cfg.KnownHostsFile, err)
		}
		hostKeys = cb
	} else {
		log.Warnf("No known_hosts configured for %s; host key will not be verified", cfg.Addr)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	return &sshTransport{
		addr:    cfg.Addr,
		timeout: timeout,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         timeout,
		},
	}, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %q: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %q: %w", path, err)
	}
	return signer, nil
}

// Dial opens a new TCP connection and performs the SSH handshake.
func (t *sshTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := net.Dialer{Timeout: t.timeout}
	nc, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, &ConnectError{Kind: KindNetwork, Err: err}
	}

	// The handshake itself ignores ctx; bound it with a deadline instead.
	_ = nc.SetDeadline(time.Now().Add(t.timeout))
	c, chans, reqs, err := ssh.NewClientConn(nc, t.addr, t.config)
	if err != nil {
		nc.Close()
		return nil, classifyHandshakeError(err)
	}
	_ = nc.SetDeadline(time.Time{})

	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

func classifyHandshakeError(err error) *ConnectError {
	var netErr net.Error
	switch {
	case strings.Contains(err.Error(), "unable to authenticate"):
		return &ConnectError{Kind: KindAuth, Err: err}
	case errors.As(err, &netErr), errors.Is(err, io.EOF):
		return &ConnectError{Kind: KindNetwork, Err: err}
	default:
		return &ConnectError{Kind: KindProtocol, Err: err}
	}
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Start(command string) (Process, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session channel: %w", err)
	}

	p := &sshProcess{session: sess}
	sess.Stdout = &p.stdout
	sess.Stderr = &p.stderr
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	go func() {
		p.exitCode = exitCode(sess.Wait())
		p.exited.Store(true)
	}()
	return p, nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

// sshProcess buffers are written by the ssh library until Wait returns;
// they are only read after exited is set.
type sshProcess struct {
	session  *ssh.Session
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	exitCode int
	exited   atomic.Bool
}

func (p *sshProcess) Exited() bool   { return p.exited.Load() }
func (p *sshProcess) ExitCode() int  { return p.exitCode }
func (p *sshProcess) Stdout() string { return p.stdout.String() }
func (p *sshProcess) Stderr() string { return p.stderr.String() }

func (p *sshProcess) Close() error {
	err := p.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// Package tunnel manages one authenticated SSH connection that can
// spawn many channel-backed tubes — remote commands, interactive
// shells, forwarded TCP connections — and transfer files, all over the
// same connection.
//
// The connection is the only resource intentionally shared between
// tubes.  It owns every channel it opens: closing the connection
// cascade-closes all derived tubes, whose next operation fails with a
// connection-closed error instead of hanging.  Derived tubes hold only
// a non-owning reference back to the connection.
package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	errs "pwnkit/internal/errors"
	"pwnkit/internal/metrics"
	"pwnkit/tube"
	"pwnkit/util"
)

// Config holds everything needed to dial and authenticate against an
// SSH server.
type Config struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string // static password (non-interactive)
	PromptPass    bool   // prompt for a password on the terminal
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// AllowKeyboardInteractive adds keyboard-interactive as a fallback
	// auth method, answering prompts with the configured password.
	AllowKeyboardInteractive bool
}

// Client is an authenticated SSH connection and the set of channels
// opened through it.
type Client struct {
	config *Config
	logger *util.Logger
	stats  *metrics.Collector

	mu       sync.Mutex // serializes channel open/teardown and state
	client   *ssh.Client
	alive    bool
	channels map[int]*Channel
	nextID   int
}

// NewClient creates a client that is ready to [Connect].
func NewClient(cfg *Config, logger *util.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &Client{
		config:   cfg,
		logger:   logger,
		stats:    metrics.New(),
		channels: make(map[int]*Channel),
	}
}

// Connect dials the server and completes the handshake.  All failure
// modes — network unreachable, authentication rejected, host key
// mismatch — are reported here, never deferred to first use.
func (c *Client) Connect(ctx context.Context) error {
	authMethods, err := BuildAuthMethods(c.config)
	if err != nil {
		return errs.WrapSSH("auth", c.config.Host, c.config.Port, err)
	}

	hkCallback, err := hostKeyCallback(c.config)
	if err != nil {
		return errs.WrapSSH("hostkey", c.config.Host, c.config.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         c.config.ConnTimeout,
	}

	addr := util.FormatAddr(c.config.Host, c.config.Port)
	c.logger.Debug("ssh: dialing %s as %s", addr, c.config.User)

	// Use a context-aware TCP dial so callers can cancel.
	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errs.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return errs.WrapSSH("handshake", c.config.Host, c.config.Port, err)
	}

	c.mu.Lock()
	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.alive = true
	c.mu.Unlock()

	go c.monitor()

	c.logger.Verbose("ssh: connected to %s", addr)
	return nil
}

// monitor blocks until the SSH connection drops, then invalidates the
// client and every derived tube.
func (c *Client) monitor() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	err := client.Wait()
	if err != nil {
		c.logger.Debug("ssh: connection closed: %v", err)
		c.stats.RecordError(err.Error())
	} else {
		c.logger.Debug("ssh: connection closed")
	}
	c.teardown()
}

// teardown marks the client dead and cascade-closes every channel.
func (c *Client) teardown() {
	c.mu.Lock()
	c.alive = false
	open := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		open = append(open, ch)
	}
	c.channels = make(map[int]*Channel)
	c.mu.Unlock()

	for _, ch := range open {
		ch.Close() //nolint:errcheck
	}
}

// Close shuts down the connection, force-closing all derived tubes.
// Idempotent.
func (c *Client) Close() error {
	c.teardown()

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsAlive reports whether the connection is still up.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// OpenChannels returns the number of channel-backed tubes currently
// derived from this connection.
func (c *Client) OpenChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// Metrics returns the connection's metrics collector.
func (c *Client) Metrics() *metrics.Collector { return c.stats }

// Dial opens a direct-tcpip channel to address through the connection
// and returns it as a tube, so a pivoted service can be driven exactly
// like a local one.
func (c *Client) Dial(ctx context.Context, network, address string, opts ...tube.Option) (*tube.Tube, error) {
	_ = ctx // ssh.Client.Dial has no context hook; the connection is already up

	c.mu.Lock()
	client := c.client
	alive := c.alive
	c.mu.Unlock()
	if !alive || client == nil {
		return nil, errs.ErrNotConnected
	}

	c.logger.Debug("ssh: forwarding to %s %s", network, address)
	conn, err := client.Dial(network, address)
	if err != nil {
		return nil, errs.Wrap("dial", address, err)
	}

	tubeOpts := append([]tube.Option{tube.WithLogger(c.logger)}, opts...)
	return tube.New(conn, tubeOpts...), nil
}

// sshClient returns the live *ssh.Client or an error if the connection
// is down.
func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive || c.client == nil {
		return nil, errs.ErrNotConnected
	}
	return c.client, nil
}

// register adds a channel to the owned set and assigns its id.  If
// teardown already ran, the cascade has passed this channel by, so it
// is closed here instead of being stranded.
func (c *Client) register(ch *Channel) {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		ch.Close() //nolint:errcheck
		return
	}
	c.nextID++
	ch.id = c.nextID
	c.channels[ch.id] = ch
	c.mu.Unlock()
}

// forget drops a channel from the owned set; called when the channel
// closes itself.
func (c *Client) forget(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, id)
}

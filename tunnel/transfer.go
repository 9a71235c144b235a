package tunnel

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	errs "pwnkit/internal/errors"
	"pwnkit/util"
)

// File transfer runs over an ordinary exec channel driving cat on the
// remote side, so it needs nothing on the server beyond a POSIX shell.
// Both directions share the parent connection's authentication state.

// Upload copies the local file to remotePath on the server.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errs.Wrap("open", localPath, err)
	}
	defer f.Close()

	client, err := c.sshClient()
	if err != nil {
		return err
	}
	sess, err := client.NewSession()
	if err != nil {
		return errs.WrapSSH("transfer", c.config.Host, c.config.Port, err)
	}
	defer sess.Close()

	stdin, err := sess.StdinPipe()
	if err != nil {
		return errs.WrapSSH("transfer", c.config.Host, c.config.Port, err)
	}

	cmd := fmt.Sprintf("cat > %s", shQuote(remotePath))
	if err := sess.Start(cmd); err != nil {
		return errs.WrapSSH("transfer", c.config.Host, c.config.Port, err)
	}

	done := make(chan error, 1)
	go func() {
		_, cerr := util.CopyPooled(stdin, f)
		stdin.Close() //nolint:errcheck
		done <- cerr
	}()

	select {
	case cerr := <-done:
		if cerr != nil {
			return errs.WrapSSH("transfer", c.config.Host, c.config.Port, cerr)
		}
	case <-ctx.Done():
		sess.Close()
		return ctx.Err()
	}

	if err := sess.Wait(); err != nil {
		return errs.WrapSSH("transfer", c.config.Host, c.config.Port, err)
	}
	c.logger.Verbose("ssh: uploaded %s -> %s", localPath, remotePath)
	return nil
}

// Download copies remotePath from the server into the local file,
// creating or truncating it.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	client, err := c.sshClient()
	if err != nil {
		return err
	}
	sess, err := client.NewSession()
	if err != nil {
		return errs.WrapSSH("transfer", c.config.Host, c.config.Port, err)
	}
	defer sess.Close()

	out, err := sess.StdoutPipe()
	if err != nil {
		return errs.WrapSSH("transfer", c.config.Host, c.config.Port, err)
	}

	cmd := fmt.Sprintf("cat %s", shQuote(remotePath))
	if err := sess.Start(cmd); err != nil {
		return errs.WrapSSH("transfer", c.config.Host, c.config.Port, err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		sess.Close()
		return errs.Wrap("create", localPath, err)
	}
	defer f.Close()

	done := make(chan error, 1)
	go func() {
		_, cerr := util.CopyPooled(f, out)
		done <- cerr
	}()

	select {
	case cerr := <-done:
		if cerr != nil {
			return errs.WrapSSH("transfer", c.config.Host, c.config.Port, cerr)
		}
	case <-ctx.Done():
		sess.Close()
		return ctx.Err()
	}

	if err := sess.Wait(); err != nil {
		if ee, ok := err.(*ssh.ExitError); ok {
			return errs.WrapSSH("transfer", c.config.Host, c.config.Port,
				fmt.Errorf("remote cat exited %d (missing file?)", ee.ExitStatus()))
		}
		return errs.WrapSSH("transfer", c.config.Host, c.config.Port, err)
	}
	c.logger.Verbose("ssh: downloaded %s -> %s", remotePath, localPath)
	return nil
}

// shQuote wraps s in single quotes, escaping embedded single quotes,
// so it passes through the remote shell verbatim.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Package mailio is the wire layer: IMAP folder access, SMTP submission,
// and the MIME rendering/parsing between store rows and RFC 5322 messages.
// Each transport owns one Client; connections are dialed per operation so a
// wedged connection never outlives the job that hit it.
package mailio

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/matterline/chatmail/internal/config"
	"github.com/matterline/chatmail/internal/job"
	"go.uber.org/zap"
)

// Client performs IMAP and SMTP operations for one transport. It satisfies
// job.Executor; protocol failures that retrying cannot fix are wrapped as
// terminal errors so the dispatcher gives up immediately.
type Client struct {
	cfg    config.Mail
	folder string // folder watched by this transport, "" for smtp
	logger *zap.Logger
}

// NewClient creates the wire client for one transport. folder is the
// mailbox this transport watches and operates on by default; the SMTP
// transport passes "".
func NewClient(cfg config.Mail, folder string, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, folder: folder, logger: logger}
}

// Folder returns the watched mailbox.
func (c *Client) Folder() string { return c.folder }

func (c *Client) dialIMAP() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.IMAP.Host, c.cfg.IMAP.Port)
	var (
		cl  *imapclient.Client
		err error
	)
	if c.cfg.IMAP.TLS {
		cl, err = imapclient.DialTLS(addr, nil)
	} else {
		cl, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}
	if err := cl.Login(c.cfg.IMAP.User, c.cfg.IMAP.Password).Wait(); err != nil {
		_ = cl.Logout().Wait()
		return nil, job.Terminal("imap login refused", err)
	}
	return cl, nil
}

// Send submits a rendered message via SMTP. Permanent server rejections
// come back terminal; connection trouble stays retryable.
func (c *Client) Send(ctx context.Context, rcpts []string, raw []byte) error {
	if len(rcpts) == 0 {
		return job.Terminal("no recipients", nil)
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTP.Host, c.cfg.SMTP.Port)

	var (
		cl  *smtp.Client
		err error
	)
	if c.cfg.SMTP.TLS {
		cl, err = smtp.DialTLS(addr, &tls.Config{ServerName: c.cfg.SMTP.Host})
	} else {
		cl, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: c.cfg.SMTP.Host})
	}
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	defer func() { _ = cl.Close() }()

	auth := sasl.NewPlainClient("", c.cfg.SMTP.User, c.cfg.SMTP.Password)
	if err := cl.Auth(auth); err != nil {
		return job.Terminal("smtp auth refused", err)
	}

	if err := cl.SendMail(c.cfg.Account.Addr, rcpts, bytes.NewReader(raw)); err != nil {
		if smtpErr, ok := err.(*smtp.SMTPError); ok && smtpErr.Code >= 500 {
			return job.Terminal(fmt.Sprintf("smtp rejected: %s", smtpErr.Message), err)
		}
		return fmt.Errorf("smtp send: %w", err)
	}
	c.logger.Debug("message submitted", zap.Int("rcpts", len(rcpts)))
	return cl.Quit()
}

// MarkSeen sets the \Seen flag on a message in the given folder.
func (c *Client) MarkSeen(ctx context.Context, folder string, uid uint32) error {
	cl, err := c.dialIMAP()
	if err != nil {
		return err
	}
	defer func() { _ = cl.Logout().Wait() }()

	if _, err := cl.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}
	uidSet := imap.UIDSetNum(imap.UID(uid))
	return cl.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
}

// Move transfers a message between folders with the MOVE command.
func (c *Client) Move(ctx context.Context, folder string, uid uint32, dest string) error {
	cl, err := c.dialIMAP()
	if err != nil {
		return err
	}
	defer func() { _ = cl.Logout().Wait() }()

	if _, err := cl.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}
	uidSet := imap.UIDSetNum(imap.UID(uid))
	if _, err := cl.Move(uidSet, dest).Wait(); err != nil {
		return fmt.Errorf("move %s/%d to %s: %w", folder, uid, dest, err)
	}
	return nil
}

// Delete flags a message deleted and expunges it.
func (c *Client) Delete(ctx context.Context, folder string, uid uint32) error {
	cl, err := c.dialIMAP()
	if err != nil {
		return err
	}
	defer func() { _ = cl.Logout().Wait() }()

	if _, err := cl.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", folder, err)
	}
	uidSet := imap.UIDSetNum(imap.UID(uid))
	if err := cl.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close(); err != nil {
		return fmt.Errorf("flag deleted %s/%d: %w", folder, uid, err)
	}
	if err := cl.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge %s: %w", folder, err)
	}
	return nil
}

// Configure verifies credentials and creates the chat folders the account
// uses (mvbox, sentbox) when they do not exist yet.
func (c *Client) Configure(ctx context.Context) error {
	cl, err := c.dialIMAP()
	if err != nil {
		return err
	}
	defer func() { _ = cl.Logout().Wait() }()

	for _, folder := range []string{c.cfg.Folders.Mvbox, c.cfg.Folders.Sentbox} {
		if folder == "" {
			continue
		}
		if err := cl.Create(folder, nil).Wait(); err != nil {
			// Already-exists answers are fine; everything else is not.
			if _, selErr := cl.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); selErr != nil {
				return fmt.Errorf("create folder %s: %w", folder, err)
			}
		}
		c.logger.Info("folder ready", zap.String("folder", folder))
	}
	return nil
}

// Fetch retrieves all messages in the watched folder with UID greater than
// lastUID and returns their parsed envelopes together with the highest UID
// seen, which the caller persists as the new watermark.
func (c *Client) Fetch(ctx context.Context, lastUID uint32) ([]*Envelope, uint32, error) {
	cl, err := c.dialIMAP()
	if err != nil {
		return nil, lastUID, err
	}
	defer func() { _ = cl.Logout().Wait() }()

	sel, err := cl.Select(c.folder, nil).Wait()
	if err != nil {
		return nil, lastUID, fmt.Errorf("select %s: %w", c.folder, err)
	}
	if sel.NumMessages == 0 {
		return nil, lastUID, nil
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(lastUID+1), 0)

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := cl.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var (
		envs    []*Envelope
		highest = lastUID
	)
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			c.logger.Warn("collect fetched message", zap.Error(err))
			continue
		}
		uid := uint32(buf.UID)
		if uid <= lastUID {
			// Servers may answer a UID range with the highest existing
			// message even when it is below the range start.
			continue
		}
		if uid > highest {
			highest = uid
		}
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			continue
		}
		env, err := ParseEnvelope(c.folder, uid, raw)
		if err != nil {
			c.logger.Warn("unparseable message left on server",
				zap.String("folder", c.folder),
				zap.Uint32("uid", uid),
				zap.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	if err := fetchCmd.Close(); err != nil {
		return envs, highest, fmt.Errorf("fetch %s: %w", c.folder, err)
	}
	return envs, highest, nil
}

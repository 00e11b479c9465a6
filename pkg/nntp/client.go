package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"time"

	"github.com/nntpvault/nntpvault/pkg/config"
	"golang.org/x/time/rate"
)

// Article is one post: obfuscated headers plus an encoded body. The
// message id is generated client-side and travels in the headers.
type Article struct {
	MessageID string // includes the angle brackets
	Subject   string
	From      string
	Newsgroup string
	Body      []byte // yEnc-encoded payload
}

// Conn is a single authenticated NNTP session. A Conn is not safe for
// concurrent use; the pool hands it to one worker at a time.
type Conn struct {
	server    config.NNTPServer
	netConn   net.Conn
	tp        *textproto.Conn
	createdAt time.Time
	lastUsed  time.Time
	broken    bool

	// limiter caps this session's upload bandwidth; set by the pool.
	limiter *rate.Limiter
}

// Dial opens and authenticates one session. When localAddr is
// non-nil, the underlying socket binds to it so every session in a
// pool presents the same local identity to the server.
func Dial(ctx context.Context, server config.NNTPServer, localAddr *net.TCPAddr) (*Conn, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	if localAddr != nil {
		dialer.LocalAddr = localAddr
	}

	netConn, err := dialer.DialContext(ctx, "tcp", server.Address())
	if err != nil {
		return nil, &Error{Code: 0, Transient: true, Err: fmt.Errorf("dial %s: %w", server.Address(), err)}
	}

	if server.UseSSL {
		tlsConn := tls.Client(netConn, &tls.Config{ServerName: server.Hostname})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, &Error{Code: 0, Transient: true, Err: fmt.Errorf("tls handshake: %w", err)}
		}
		netConn = tlsConn
	}

	c := &Conn{
		server:    server,
		netConn:   netConn,
		tp:        textproto.NewConn(netConn),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}

	// Greeting: 200 posting allowed, 201 read-only.
	if _, _, err := c.tp.ReadCodeLine(20); err != nil {
		c.Close()
		return nil, wireErr(err)
	}

	if server.Username != "" {
		if err := c.authenticate(); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Conn) authenticate() error {
	code, _, err := c.cmd("AUTHINFO USER %s", c.server.Username)
	if err != nil {
		return wireErr(err)
	}
	if code == 381 {
		code, _, err = c.cmd("AUTHINFO PASS %s", c.server.Password)
		if err != nil {
			return wireErr(err)
		}
	}
	if code != 281 {
		return &Error{Code: code, Err: fmt.Errorf("authentication rejected (%d)", code)}
	}
	return nil
}

func (c *Conn) cmd(format string, args ...any) (int, string, error) {
	id, err := c.tp.Cmd(format, args...)
	if err != nil {
		c.broken = true
		return 0, "", err
	}
	c.tp.StartResponse(id)
	defer c.tp.EndResponse(id)
	code, msg, err := c.tp.ReadCodeLine(-1)
	if err != nil {
		if _, ok := err.(*textproto.Error); !ok {
			c.broken = true
		}
	}
	c.lastUsed = time.Now()
	return code, msg, err
}

// Post sends the article. The server's acknowledgement (240) commits
// the client-generated message id.
func (c *Conn) Post(article *Article) error {
	code, _, err := c.cmd("POST")
	if err != nil && code == 0 {
		return wireErr(err)
	}
	if code != 340 {
		return &Error{Code: code, Transient: transientCode(code), Err: fmt.Errorf("posting not allowed (%d)", code)}
	}

	w := c.tp.DotWriter()
	if err := writeArticle(w, article); err != nil {
		w.Close()
		c.broken = true
		return wireErr(err)
	}
	if err := w.Close(); err != nil {
		c.broken = true
		return wireErr(err)
	}

	code, _, err = c.tp.ReadCodeLine(-1)
	c.lastUsed = time.Now()
	if err != nil && code == 0 {
		c.broken = true
		return wireErr(err)
	}
	if code != 240 {
		return &Error{Code: code, Transient: transientCode(code), Err: fmt.Errorf("post rejected (%d)", code)}
	}
	return nil
}

func writeArticle(w io.Writer, article *Article) error {
	headers := fmt.Sprintf(
		"From: %s\r\nNewsgroups: %s\r\nSubject: %s\r\nMessage-ID: %s\r\nX-No-Archive: yes\r\n\r\n",
		article.From, article.Newsgroup, article.Subject, article.MessageID)
	if _, err := io.WriteString(w, headers); err != nil {
		return err
	}
	_, err := w.Write(article.Body)
	return err
}

// Fetch retrieves the body of an article by message id.
func (c *Conn) Fetch(messageID string) ([]byte, error) {
	code, _, err := c.cmd("BODY %s", messageID)
	if err != nil && code == 0 {
		return nil, wireErr(err)
	}
	if code != 222 {
		return nil, &Error{Code: code, Transient: transientCode(code), Err: fmt.Errorf("article unavailable (%d)", code)}
	}
	body, err := c.tp.ReadDotBytes()
	c.lastUsed = time.Now()
	if err != nil {
		c.broken = true
		return nil, wireErr(err)
	}
	return body, nil
}

// Ping verifies the session is still alive. Used by the pool's
// background health probe.
func (c *Conn) Ping() error {
	code, _, err := c.cmd("DATE")
	if err != nil && code == 0 {
		return wireErr(err)
	}
	if code != 111 {
		return &Error{Code: code, Err: fmt.Errorf("unexpected DATE response (%d)", code)}
	}
	return nil
}

// LocalAddr returns the local TCP address of the session's socket.
func (c *Conn) LocalAddr() *net.TCPAddr {
	if addr, ok := c.netConn.LocalAddr().(*net.TCPAddr); ok {
		return addr
	}
	return nil
}

// Broken reports whether the session hit a transport-level fault and
// must not be reused.
func (c *Conn) Broken() bool { return c.broken }

// Age returns the session lifetime so far.
func (c *Conn) Age() time.Duration { return time.Since(c.createdAt) }

// Idle returns the time since the session last carried a command.
func (c *Conn) Idle() time.Duration { return time.Since(c.lastUsed) }

// Close tears the session down. QUIT is best-effort.
func (c *Conn) Close() error {
	c.tp.Cmd("QUIT")
	return c.netConn.Close()
}

// Error is an NNTP-level failure carrying the upstream status code.
// Code 0 means a transport fault below the protocol.
type Error struct {
	Code      int
	Transient bool
	Err       error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wireErr(err error) error {
	if tpErr, ok := err.(*textproto.Error); ok {
		return &Error{Code: tpErr.Code, Transient: transientCode(tpErr.Code), Err: err}
	}
	return &Error{Code: 0, Transient: true, Err: err}
}

// transientCode reports whether an upstream status is worth retrying.
func transientCode(code int) bool {
	switch code {
	case 400, 441, 500, 502, 503:
		return true
	}
	return false
}

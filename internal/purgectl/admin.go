package purgectl

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Admin CLI status codes.
const (
	cliStatusAuth   = 107
	cliStatusOK     = 200
	cliStatusTrunc  = 201
	cliStatusComms  = 400
	cliStatusClosed = 500

	cliMaxBody = 1 << 20
)

// AdminTransport issues bans over the proxy's line oriented management CLI.
// Each attempt uses its own connection.
type AdminTransport struct {
	addr    string
	secret  []byte
	banHost string

	dialer net.Dialer
}

func NewAdminTransport(cfg Config) (*AdminTransport, error) {
	t := &AdminTransport{addr: cfg.Admin.Addr, banHost: cfg.Proxy.Host}
	if cfg.Admin.SecretFile != "" {
		b, err := os.ReadFile(cfg.Admin.SecretFile)
		if err != nil {
			return nil, errors.Wrap(err, "admin.secretFile")
		}
		t.secret = b
	}
	return t, nil
}

func (t *AdminTransport) Invalidate(ctx context.Context, req Request) (int, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return 0, &NetworkError{Op: "dial " + t.addr, Err: err}
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock reads if the attempt context ends without a deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	rd := bufio.NewReader(conn)
	status, body, err := readCLIResponse(rd)
	if err != nil {
		return 0, err
	}
	if status == cliStatusAuth {
		if len(t.secret) == 0 {
			return status, &RejectedError{Status: status, Msg: "authentication required but no secret configured"}
		}
		challenge, _, _ := strings.Cut(body, "\n")
		if err := writeCLICommand(conn, "auth "+cliAuthResponse(challenge, t.secret)); err != nil {
			return 0, err
		}
		if status, body, err = readCLIResponse(rd); err != nil {
			return 0, err
		}
	}
	if err := cliStatusErr(status, body); err != nil {
		return status, err
	}

	if err := writeCLICommand(conn, banCommand(req.Target, t.banHost)); err != nil {
		return 0, err
	}
	status, body, err = readCLIResponse(rd)
	if err != nil {
		return 0, err
	}
	if err := cliStatusErr(status, body); err != nil {
		return status, err
	}
	return status, nil
}

func cliStatusErr(status int, body string) error {
	switch status {
	case cliStatusOK, cliStatusTrunc:
		return nil
	case cliStatusComms, cliStatusClosed:
		return &NetworkError{Op: "cli status " + strconv.Itoa(status), Err: errors.New(strings.TrimSpace(body))}
	}
	return &RejectedError{Status: status, Msg: strings.TrimSpace(body)}
}

// cliAuthResponse computes the challenge response: hex SHA-256 over
// challenge, newline, secret, challenge, newline.
func cliAuthResponse(challenge string, secret []byte) string {
	h := sha256.New()
	h.Write([]byte(challenge))
	h.Write([]byte("\n"))
	h.Write(secret)
	h.Write([]byte(challenge))
	h.Write([]byte("\n"))
	return hex.EncodeToString(h.Sum(nil))
}

func banCommand(t Target, banHost string) string {
	var b strings.Builder
	b.WriteString("ban ")
	switch t.Kind() {
	case KindURL:
		b.WriteString("req.http.host == ")
		b.WriteString(cliQuote(t.Host()))
		b.WriteString(" && req.url == ")
		b.WriteString(cliQuote(t.RequestURI()))
	default:
		if banHost != "" {
			b.WriteString("req.http.host == ")
			b.WriteString(cliQuote(banHost))
			b.WriteString(" && ")
		}
		b.WriteString("req.url ~ ")
		b.WriteString(cliQuote(t.Raw()))
	}
	return b.String()
}

func cliQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func writeCLICommand(w io.Writer, cmd string) error {
	if _, err := io.WriteString(w, cmd+"\n"); err != nil {
		return &NetworkError{Op: "write command", Err: err}
	}
	return nil
}

// readCLIResponse reads "<status> <length>\n" followed by length bytes of
// body and a trailing newline.
func readCLIResponse(rd *bufio.Reader) (int, string, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return 0, "", &NetworkError{Op: "read status", Err: err}
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, "", &NetworkError{Op: "read status", Err: errors.Errorf("bad status line %q", line)}
	}
	status, err1 := strconv.Atoi(fields[0])
	n, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || n < 0 || n > cliMaxBody {
		return 0, "", &NetworkError{Op: "read status", Err: errors.Errorf("bad status line %q", line)}
	}
	body := make([]byte, n+1)
	if _, err := io.ReadFull(rd, body); err != nil {
		return 0, "", &NetworkError{Op: "read body", Err: err}
	}
	return status, string(body[:n]), nil
}

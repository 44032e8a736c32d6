// Package notify delivers account credentials by e-mail. Delivery failure is reported as data
// and never as an error or panic, since the account already exists by the time it runs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"libradmin/internal/config"
	"libradmin/internal/lib/sl"
)

// Delivery is the outcome of one attempt.
type Delivery struct {
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// Gateway sends the temporary credentials of a new account to its owner.
type Gateway interface {
	SendCredentials(ctx context.Context, address, name, password, role string) Delivery
}

// New picks the SMTP gateway when configured and the log gateway otherwise.
func New(cfg config.SMTP, log *slog.Logger) Gateway {
	switch cfg.Mode {
	case "smtp":
		return &SMTPGateway{
			addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			host:     cfg.Host,
			user:     cfg.User,
			password: cfg.Password,
			from:     cfg.From,
			loginURL: cfg.LoginURL,
			log:      log,
			send:     smtp.SendMail,
		}
	default:
		return &LogGateway{log: log}
	}
}

// LogGateway writes the message to the log instead of sending it. Meant for local runs.
type LogGateway struct {
	log *slog.Logger
}

func (g *LogGateway) SendCredentials(ctx context.Context, address, name, password, role string) Delivery {
	g.log.Info("credentials delivery skipped, mail mode is log",
		slog.String("to", address),
		slog.String("name", name),
		slog.String("role", role),
	)
	return Delivery{Delivered: false, Error: "mail delivery disabled"}
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPGateway relays through an SMTP server with optional PLAIN auth.
type SMTPGateway struct {
	addr     string
	host     string
	user     string
	password string
	from     string
	loginURL string
	log      *slog.Logger
	send     sendFunc
}

func (g *SMTPGateway) SendCredentials(ctx context.Context, address, name, password, role string) (d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("credentials delivery panicked", slog.Any("panic", r))
			d = Delivery{Error: fmt.Sprintf("delivery panicked: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		return Delivery{Error: err.Error()}
	}

	var auth smtp.Auth
	if g.user != "" {
		auth = smtp.PlainAuth("", g.user, g.password, g.host)
	}

	msg := credentialsMessage(g.from, address, name, password, role, g.loginURL)
	if err := g.send(g.addr, auth, g.from, []string{address}, msg); err != nil {
		g.log.Warn("credentials delivery failed", slog.String("to", address), sl.Err(err))
		return Delivery{Error: err.Error()}
	}

	g.log.Info("credentials delivered", slog.String("to", address))
	return Delivery{Delivered: true}
}

func credentialsMessage(from, to, name, password, role, loginURL string) []byte {
	body := fmt.Sprintf(
		"Hola %s,\r\n\r\nTu cuenta ha sido creada.\r\nCorreo: %s\r\nContraseña: %s\r\nRol: %s\r\n\r\nAccede en: %s\r\n\r\nCambia tu contraseña después de entrar.\r\n",
		name, to, password, role, loginURL,
	)
	return []byte(strings.Join([]string{
		"From: " + from,
		"To: " + to,
		"Subject: Credenciales de acceso a la biblioteca",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		body,
	}, "\r\n"))
}

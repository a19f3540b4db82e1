// Package email sends invitation notices over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	AppURL   string
}

// Service provides email sending
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	if config.FromName == "" {
		config.FromName = "Orbit"
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// InvitationNotice describes a freshly sent invitation.
type InvitationNotice struct {
	AppName    string
	ToEmail    string
	ToName     string
	FromName   string
	FromHandle string
	Message    string
	InvitesURL string
}

// SendInvitationNotice tells the recipient that someone wants to connect.
func (s *Service) SendInvitationNotice(n InvitationNotice) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if strings.TrimSpace(n.ToEmail) == "" {
		return fmt.Errorf("invitation notice: recipient has no email")
	}
	n.AppName = s.config.FromName
	n.FromName = headerSafe(n.FromName)
	n.ToName = headerSafe(n.ToName)
	if n.InvitesURL == "" {
		n.InvitesURL = strings.TrimRight(s.config.AppURL, "/") + "/invitations"
	}

	html, err := renderTemplate(invitationEmailTemplate, n)
	if err != nil {
		return fmt.Errorf("render invitation template: %w", err)
	}
	subject := fmt.Sprintf("%s wants to connect on %s", n.FromName, n.AppName)
	return s.sendHTML([]string{n.ToEmail}, subject, html)
}

func (s *Service) sendHTML(to []string, subject, htmlBody string) error {
	msg := buildMessage(s.fromHeader(), to, subject, htmlBody)
	return s.sendMail(s.server, s.auth, s.config.From, to, msg)
}

func (s *Service) fromHeader() string {
	return fmt.Sprintf("%s <%s>", headerSafe(s.config.FromName), s.config.From)
}

func buildMessage(from string, to []string, subject, htmlBody string) []byte {
	boundary := "boundary-orbit"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", headerSafe(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", headerSafe(subject))
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

// headerSafe strips line breaks so user-provided names cannot inject headers.
func headerSafe(v string) string {
	return strings.Join(strings.Fields(strings.NewReplacer("\r", " ", "\n", " ").Replace(v)), " ")
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const invitationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New connection request on {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #6d28d9; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .quote { border-left: 3px solid #ddd; padding-left: 12px; color: #555; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h2>Hi {{.ToName}},</h2>

    <p><strong>{{.FromName}}</strong> (@{{.FromHandle}}) wants to connect with you on {{.AppName}}.</p>
    {{if .Message}}
    <p class="quote">{{.Message}}</p>
    {{end}}
    <p>
        <a href="{{.InvitesURL}}" class="button">Review invitation</a>
    </p>

    <div class="footer">
        <p>You can turn these emails off in your notification settings.</p>
    </div>
</body>
</html>`

package email

import (
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "noreply@orbit.test",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.orbit.test",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.orbit.test",
				Port: "587",
				From: "noreply@orbit.test",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendInvitationNoticeUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendInvitationNotice(InvitationNotice{ToEmail: "b@orbit.test"}); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendInvitationNotice(t *testing.T) {
	svc := NewService(Config{
		Host:   "smtp.orbit.test",
		Port:   "2525",
		From:   "noreply@orbit.test",
		AppURL: "https://orbit.test/",
	})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	svc.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	err := svc.SendInvitationNotice(InvitationNotice{
		ToEmail:    "bob@orbit.test",
		ToName:     "Bob",
		FromName:   "Alice\r\nBcc: everyone@orbit.test",
		FromHandle: "alice",
		Message:    "<b>hi</b>",
	})
	if err != nil {
		t.Fatalf("SendInvitationNotice failed: %v", err)
	}

	if gotAddr != "smtp.orbit.test:2525" || gotFrom != "noreply@orbit.test" {
		t.Fatalf("unexpected envelope %s %s", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "bob@orbit.test" {
		t.Fatalf("unexpected recipients %v", gotTo)
	}
	if strings.Contains(gotMsg, "\r\nBcc:") {
		t.Error("sender name must not inject headers")
	}
	if !strings.Contains(gotMsg, "Subject: Alice Bcc: everyone@orbit.test wants to connect on Orbit") {
		t.Error("subject should name the sender and app")
	}
	if !strings.Contains(gotMsg, "https://orbit.test/invitations") {
		t.Error("body should link to the invitations page")
	}
	if !strings.Contains(gotMsg, "&lt;b&gt;hi&lt;/b&gt;") {
		t.Error("invitation message should be html-escaped")
	}
}

func TestRenderInvitationTemplateWithoutMessage(t *testing.T) {
	html, err := renderTemplate(invitationEmailTemplate, InvitationNotice{
		AppName:    "Orbit",
		ToName:     "Bob",
		FromName:   "Alice",
		FromHandle: "alice",
		InvitesURL: "https://orbit.test/invitations",
	})
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if strings.Contains(html, `class="quote"`) {
		t.Error("template should omit the quote block without a message")
	}
	if !strings.Contains(html, "@alice") {
		t.Error("template should contain sender handle")
	}
}

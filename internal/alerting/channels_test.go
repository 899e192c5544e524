package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"dbsentinel/internal/detect"
)

func sampleAlert() *Alert {
	return &Alert{
		ID:             uuid.New(),
		EventType:      "threat_response",
		Severity:       detect.SeverityHigh,
		Title:          "Blocked principal shop_api",
		Description:    "Critical detections triggered an automatic block",
		Principal:      "shop_api",
		SourceAddress:  "10.1.4.88",
		Details:        map[string]string{"action": "block_principal", "detection_count": "3"},
		DetectionCount: 3,
		CreatedAt:      time.Date(2025, 6, 12, 9, 30, 0, 0, time.UTC),
	}
}

func TestEmailChannelPortDefaults(t *testing.T) {
	tests := []struct {
		name     string
		config   *EmailConfig
		wantPort int
	}{
		{
			name:     "implicit TLS defaults to 465",
			config:   &EmailConfig{SMTPHost: "mail.example.com", UseTLS: true},
			wantPort: 465,
		},
		{
			name:     "plain defaults to 587",
			config:   &EmailConfig{SMTPHost: "mail.example.com"},
			wantPort: 587,
		},
		{
			name:     "custom port preserved",
			config:   &EmailConfig{SMTPHost: "mail.example.com", SMTPPort: 2525},
			wantPort: 2525,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewEmailChannel(tt.config)
			if ch.config.SMTPPort != tt.wantPort {
				t.Errorf("SMTPPort = %d, want %d", ch.config.SMTPPort, tt.wantPort)
			}
			if ch.Name() != "email" {
				t.Errorf("Name() = %q, want %q", ch.Name(), "email")
			}
		})
	}
}

func TestEmailChannelTextBody(t *testing.T) {
	ch := NewEmailChannel(&EmailConfig{
		SMTPHost: "mail.example.com",
		From:     "sentinel@example.com",
		To:       []string{"security@example.com"},
	})

	body := ch.buildTextBody(sampleAlert())

	for _, want := range []string{
		"SECURITY ALERT: Blocked principal shop_api",
		"Severity: HIGH",
		"Principal: shop_api",
		"Source address: 10.1.4.88",
		"Detections: 3",
		"action: block_principal",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("text body missing %q\n%s", want, body)
		}
	}
}

func TestEmailChannelHTMLBody(t *testing.T) {
	ch := NewEmailChannel(&EmailConfig{SMTPHost: "mail.example.com"})

	body := ch.buildHTMLBody(sampleAlert())

	if !strings.Contains(body, "<!DOCTYPE html>") {
		t.Error("html body missing doctype")
	}
	if !strings.Contains(body, "Blocked principal shop_api") {
		t.Error("html body missing title")
	}
	if !strings.Contains(body, severityColor(detect.SeverityHigh)) {
		t.Error("html body missing severity color")
	}
	if !strings.Contains(body, severityBgColor(detect.SeverityHigh)) {
		t.Error("html body missing severity background color")
	}
}

func TestEmailChannelMIMEMessage(t *testing.T) {
	ch := NewEmailChannel(&EmailConfig{
		SMTPHost: "mail.example.com",
		From:     "sentinel@example.com",
		To:       []string{"security@example.com", "oncall@example.com"},
	})

	msg := string(ch.buildMIMEMessage(sampleAlert()))

	for _, want := range []string{
		"From: sentinel@example.com\r\n",
		"To: security@example.com, oncall@example.com\r\n",
		"Subject: [HIGH] Security alert: Blocked principal shop_api\r\n",
		"MIME-Version: 1.0\r\n",
		"Content-Type: multipart/alternative; boundary=",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Type: text/html; charset=UTF-8",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("MIME message missing %q", want)
		}
	}

	// The closing boundary terminates the message.
	if !strings.Contains(msg, "--\r\n") {
		t.Error("MIME message missing closing boundary")
	}
}

func TestSeverityColors(t *testing.T) {
	tests := []struct {
		severity detect.Severity
		color    string
		bg       string
	}{
		{detect.SeverityCritical, "#dc3545", "#fff5f5"},
		{detect.SeverityHigh, "#fd7e14", "#fff8f0"},
		{detect.SeverityMedium, "#ffc107", "#fffdf0"},
		{detect.SeverityLow, "#28a745", "#f0fff4"},
		{detect.Severity("unknown"), "#6c757d", "#f8f9fa"},
	}

	for _, tt := range tests {
		if got := severityColor(tt.severity); got != tt.color {
			t.Errorf("severityColor(%s) = %s, want %s", tt.severity, got, tt.color)
		}
		if got := severityBgColor(tt.severity); got != tt.bg {
			t.Errorf("severityBgColor(%s) = %s, want %s", tt.severity, got, tt.bg)
		}
	}
}

func TestEmailChannelConnectionError(t *testing.T) {
	ch := NewEmailChannel(&EmailConfig{
		SMTPHost: "127.0.0.1",
		SMTPPort: 1, // nothing listens here
		From:     "sentinel@example.com",
		To:       []string{"security@example.com"},
	})
	ch.timeout = 2 * time.Second

	err := ch.Send(context.Background(), sampleAlert())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !strings.Contains(err.Error(), "failed to connect") {
		t.Errorf("unexpected error: %v", err)
	}
}

// mockSMTPServer accepts SMTP sessions and records message data.
type mockSMTPServer struct {
	listener     net.Listener
	receivedMail [][]byte
	done         chan struct{}
}

func newMockSMTPServer(t *testing.T) *mockSMTPServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start mock SMTP server: %v", err)
	}

	s := &mockSMTPServer{
		listener: listener,
		done:     make(chan struct{}),
	}
	go s.serve()
	return s
}

func (s *mockSMTPServer) serve() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.listener.(*net.TCPListener).SetDeadline(time.Now().Add(100 * time.Millisecond))
		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *mockSMTPServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.Write([]byte("220 mock.smtp.server ESMTP\r\n"))

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		cmd := strings.ToUpper(strings.TrimSpace(string(buf[:n])))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			conn.Write([]byte("250-mock.smtp.server\r\n250 OK\r\n"))
		case strings.HasPrefix(cmd, "MAIL FROM"):
			conn.Write([]byte("250 OK\r\n"))
		case strings.HasPrefix(cmd, "RCPT TO"):
			conn.Write([]byte("250 OK\r\n"))
		case strings.HasPrefix(cmd, "DATA"):
			conn.Write([]byte("354 Start mail input\r\n"))
			var data []byte
			for {
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				data = append(data, buf[:n]...)
				if strings.HasSuffix(string(data), "\r\n.\r\n") {
					break
				}
			}
			s.receivedMail = append(s.receivedMail, data)
			conn.Write([]byte("250 OK\r\n"))
		case strings.HasPrefix(cmd, "QUIT"):
			conn.Write([]byte("221 Bye\r\n"))
			return
		default:
			conn.Write([]byte("500 Unknown command\r\n"))
		}
	}
}

func (s *mockSMTPServer) addr() (host string, port int) {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ = strconv.Atoi(portStr)
	return host, port
}

func (s *mockSMTPServer) close() {
	close(s.done)
	s.listener.Close()
}

func TestEmailChannelWithMockServer(t *testing.T) {
	server := newMockSMTPServer(t)
	defer server.close()

	host, port := server.addr()
	ch := NewEmailChannel(&EmailConfig{
		SMTPHost: host,
		SMTPPort: port,
		From:     "sentinel@example.com",
		To:       []string{"security@example.com"},
	})

	alert := sampleAlert()
	alert.Severity = detect.SeverityCritical

	if err := ch.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// Give the server time to record the message.
	time.Sleep(100 * time.Millisecond)

	if len(server.receivedMail) == 0 {
		t.Fatal("expected to receive mail")
	}

	mail := string(server.receivedMail[0])
	if !strings.Contains(mail, "Blocked principal shop_api") {
		t.Error("mail missing alert title")
	}
	if !strings.Contains(mail, "CRITICAL") {
		t.Error("mail missing severity")
	}
}

func TestWebhookChannel(t *testing.T) {
	var gotAuth string
	var got Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ch := NewWebhookChannel("soc-webhook", server.URL, map[string]string{
		"Authorization": "Bearer token123",
	})
	if ch.Name() != "soc-webhook" {
		t.Errorf("Name() = %q, want %q", ch.Name(), "soc-webhook")
	}

	alert := sampleAlert()
	if err := ch.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotAuth != "Bearer token123" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if got.EventType != "threat_response" || got.Principal != "shop_api" {
		t.Errorf("payload = %+v, want event fields echoed", got)
	}
}

func TestWebhookChannelErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ch := NewWebhookChannel("soc-webhook", server.URL, nil)
	err := ch.Send(context.Background(), sampleAlert())
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLogChannel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ch := NewLogChannel(logger)
	if ch.Name() != "log" {
		t.Errorf("Name() = %q, want %q", ch.Name(), "log")
	}

	if err := ch.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "security alert") {
		t.Error("log output missing alert message")
	}
	if !strings.Contains(out, "shop_api") {
		t.Error("log output missing principal")
	}
}

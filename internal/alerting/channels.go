// Package alerting raises security events, persists them to ClickHouse, and
// notifies configured channels. Delivery is retried with backoff; undeliverable
// alerts land in a dead-letter list for operator inspection.
package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"dbsentinel/internal/detect"
)

// Alert is the notification payload sent to channels. It carries no raw
// query text, only the event summary and derived details.
type Alert struct {
	ID             uuid.UUID         `json:"id"`
	EventType      string            `json:"event_type"`
	Severity       detect.Severity   `json:"severity"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Principal      string            `json:"principal,omitempty"`
	SourceAddress  string            `json:"source_address,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
	DetectionCount int               `json:"detection_count,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NotificationChannel delivers alerts to an external destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	UseTLS   bool     `yaml:"use_tls"` // implicit TLS; otherwise STARTTLS is used when offered
}

// EmailChannel sends alerts over SMTP as multipart text+HTML mail.
type EmailChannel struct {
	config  *EmailConfig
	timeout time.Duration
}

// NewEmailChannel creates an email channel. A zero port defaults to 465 for
// implicit TLS and 587 otherwise.
func NewEmailChannel(config *EmailConfig) *EmailChannel {
	if config.SMTPPort == 0 {
		if config.UseTLS {
			config.SMTPPort = 465
		} else {
			config.SMTPPort = 587
		}
	}
	return &EmailChannel{
		config:  config,
		timeout: 30 * time.Second,
	}
}

func (e *EmailChannel) Name() string {
	return "email"
}

// Send connects to the SMTP server and delivers the alert to all recipients.
func (e *EmailChannel) Send(ctx context.Context, alert *Alert) error {
	if len(e.config.To) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}

	addr := net.JoinHostPort(e.config.SMTPHost, strconv.Itoa(e.config.SMTPPort))
	dialer := &net.Dialer{Timeout: e.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	// Bound the whole SMTP session, not just the dial.
	_ = conn.SetDeadline(time.Now().Add(e.timeout))

	if e.config.UseTLS {
		conn = tls.Client(conn, &tls.Config{
			ServerName: e.config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		})
	}

	client, err := smtp.NewClient(conn, e.config.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s failed: %w", addr, err)
	}
	defer client.Close()

	if !e.config.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsCfg := &tls.Config{
				ServerName: e.config.SMTPHost,
				MinVersion: tls.VersionTLS12,
			}
			if err := client.StartTLS(tlsCfg); err != nil {
				return fmt.Errorf("starttls with %s failed: %w", addr, err)
			}
		}
	}

	if e.config.Username != "" {
		auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(e.config.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	for _, rcpt := range e.config.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s failed: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(e.buildMIMEMessage(alert)); err != nil {
		w.Close()
		return fmt.Errorf("smtp message write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp message close failed: %w", err)
	}

	return client.Quit()
}

func (e *EmailChannel) subject(alert *Alert) string {
	return fmt.Sprintf("[%s] Security alert: %s",
		strings.ToUpper(string(alert.Severity)), alert.Title)
}

func (e *EmailChannel) buildTextBody(alert *Alert) string {
	var b strings.Builder

	fmt.Fprintf(&b, "SECURITY ALERT: %s\n\n", alert.Title)
	fmt.Fprintf(&b, "Severity: %s\n", strings.ToUpper(string(alert.Severity)))
	fmt.Fprintf(&b, "Event: %s\n", alert.EventType)
	fmt.Fprintf(&b, "Time: %s\n", alert.CreatedAt.UTC().Format(time.RFC3339))
	if alert.Principal != "" {
		fmt.Fprintf(&b, "Principal: %s\n", alert.Principal)
	}
	if alert.SourceAddress != "" {
		fmt.Fprintf(&b, "Source address: %s\n", alert.SourceAddress)
	}
	if alert.DetectionCount > 0 {
		fmt.Fprintf(&b, "Detections: %d\n", alert.DetectionCount)
	}
	fmt.Fprintf(&b, "\n%s\n", alert.Description)

	if len(alert.Details) > 0 {
		b.WriteString("\nDetails:\n")
		for _, k := range sortedKeys(alert.Details) {
			fmt.Fprintf(&b, "  %s: %s\n", k, alert.Details[k])
		}
	}

	return b.String()
}

func (e *EmailChannel) buildHTMLBody(alert *Alert) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<body style=\"font-family: sans-serif;\">\n")
	fmt.Fprintf(&b,
		"<div style=\"border-left: 4px solid %s; background: %s; padding: 12px 16px;\">\n",
		severityColor(alert.Severity), severityBgColor(alert.Severity))
	fmt.Fprintf(&b, "<h2 style=\"margin-top: 0;\">Security alert: %s</h2>\n", alert.Title)
	fmt.Fprintf(&b,
		"<p><strong style=\"color: %s;\">%s</strong></p>\n",
		severityColor(alert.Severity), strings.ToUpper(string(alert.Severity)))
	b.WriteString("<table cellpadding=\"4\">\n")
	fmt.Fprintf(&b, "<tr><td>Event</td><td>%s</td></tr>\n", alert.EventType)
	fmt.Fprintf(&b, "<tr><td>Time</td><td>%s</td></tr>\n",
		alert.CreatedAt.UTC().Format(time.RFC3339))
	if alert.Principal != "" {
		fmt.Fprintf(&b, "<tr><td>Principal</td><td>%s</td></tr>\n", alert.Principal)
	}
	if alert.SourceAddress != "" {
		fmt.Fprintf(&b, "<tr><td>Source address</td><td>%s</td></tr>\n", alert.SourceAddress)
	}
	if alert.DetectionCount > 0 {
		fmt.Fprintf(&b, "<tr><td>Detections</td><td>%d</td></tr>\n", alert.DetectionCount)
	}
	for _, k := range sortedKeys(alert.Details) {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td></tr>\n", k, alert.Details[k])
	}
	b.WriteString("</table>\n")
	fmt.Fprintf(&b, "<p>%s</p>\n", alert.Description)
	b.WriteString("</div>\n</body>\n</html>\n")

	return b.String()
}

// buildMIMEMessage assembles a multipart/alternative message with plain text
// and HTML renderings of the alert.
func (e *EmailChannel) buildMIMEMessage(alert *Alert) []byte {
	boundary := "alert-" + strings.ReplaceAll(alert.ID.String(), "-", "")
	var b bytes.Buffer

	fmt.Fprintf(&b, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.config.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", e.subject(alert))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(e.buildTextBody(alert))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(e.buildHTMLBody(alert))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", boundary)

	return b.Bytes()
}

func severityColor(s detect.Severity) string {
	switch s {
	case detect.SeverityCritical:
		return "#dc3545"
	case detect.SeverityHigh:
		return "#fd7e14"
	case detect.SeverityMedium:
		return "#ffc107"
	case detect.SeverityLow:
		return "#28a745"
	default:
		return "#6c757d"
	}
}

func severityBgColor(s detect.Severity) string {
	switch s {
	case detect.SeverityCritical:
		return "#fff5f5"
	case detect.SeverityHigh:
		return "#fff8f0"
	case detect.SeverityMedium:
		return "#fffdf0"
	case detect.SeverityLow:
		return "#f0fff4"
	default:
		return "#f8f9fa"
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WebhookChannel POSTs the alert as JSON to a configured URL.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a webhook channel. Headers are sent verbatim on
// every request, so authorization belongs there.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s failed: %w", w.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", w.name, resp.StatusCode)
	}
	return nil
}

// LogChannel writes alerts to the structured log. It is the fallback channel
// when no external destination is configured.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, alert *Alert) error {
	l.logger.Warn("security alert",
		slog.String("alert_id", alert.ID.String()),
		slog.String("event_type", alert.EventType),
		slog.String("severity", string(alert.Severity)),
		slog.String("title", alert.Title),
		slog.String("principal", alert.Principal),
		slog.String("source_address", alert.SourceAddress),
		slog.Int("detections", alert.DetectionCount))
	return nil
}

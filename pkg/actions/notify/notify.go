package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the SMTP parameters for admin notification.
type Config struct {
	SMTPAddr string // host:port of the relay
	From     string
	To       []string
}

// NotifyAction implements the actions.Action interface. It emails the
// configured administrators when containment triggers, so escalations reach
// an operator even when nobody is watching the status API. Delivery failures
// are action failures, never detection failures.
type NotifyAction struct {
	cfg  Config
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// New creates a NotifyAction sending through the configured relay.
func New(cfg Config) *NotifyAction {
	return &NotifyAction{cfg: cfg, send: smtp.SendMail}
}

// Name returns the unique name of the action.
func (na *NotifyAction) Name() string {
	return "notify"
}

// Execute sends one alert email describing the escalation. It expects the
// data map to carry "path", "score", and "window".
func (na *NotifyAction) Execute(_ context.Context, data map[string]interface{}) error {
	if na.cfg.SMTPAddr == "" || na.cfg.From == "" || len(na.cfg.To) == 0 {
		return fmt.Errorf("notify action is not configured: smtp_addr, from, and to are required")
	}

	path, ok := data["path"].(string)
	if !ok || path == "" {
		return fmt.Errorf("missing 'path' in action data for notify action")
	}
	score, _ := data["score"].(float64)
	window, _ := data["window"].(time.Time)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	msg := na.message(hostname, path, score, window)
	if err := na.send(na.cfg.SMTPAddr, nil, na.cfg.From, na.cfg.To, msg); err != nil {
		return fmt.Errorf("failed to send alert notification: %w", err)
	}

	log.Warn().
		Str("path", path).
		Strs("to", na.cfg.To).
		Msg("Admin notification sent")
	return nil
}

func (na *NotifyAction) message(hostname, path string, score float64, window time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", na.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(na.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [ransomward] containment triggered on %s\r\n", hostname)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Ransomware-like behavior was confirmed and contained.\r\n\r\n")
	fmt.Fprintf(&b, "Host:          %s\r\n", hostname)
	fmt.Fprintf(&b, "Monitored path: %s\r\n", path)
	fmt.Fprintf(&b, "Anomaly score: %.3f\r\n", score)
	fmt.Fprintf(&b, "Window start:  %s\r\n", window.Format(time.RFC3339))
	fmt.Fprintf(&b, "Reported at:   %s\r\n", time.Now().Format(time.RFC3339))
	b.WriteString("\r\nThe monitored path stays contained until an operator clears it.\r\n")
	return []byte(b.String())
}

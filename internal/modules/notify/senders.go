package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type SMSSender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// HTTPSMSSender posts messages to an SMS gateway that accepts
// {"to","body"} JSON and answers with {"id"}.
type HTTPSMSSender struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSMSSender(baseURL, apiKey string, client *http.Client) *HTTPSMSSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSMSSender{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

type smsRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type smsResponse struct {
	ID string `json:"id"`
}

func (s *HTTPSMSSender) Send(ctx context.Context, to, body string) (string, error) {
	payload, err := json.Marshal(smsRequest{To: to, Body: body})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("sms gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out smsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode sms gateway response: %w", err)
	}
	return out.ID, nil
}

// LogSMSSender writes messages to the log instead of sending them.
type LogSMSSender struct {
	Log zerolog.Logger
}

func (s LogSMSSender) Send(_ context.Context, to, body string) (string, error) {
	s.Log.Info().Str("to", to).Int("length", len(body)).Msg("sms (log only)")
	return "", nil
}

type SMTPConfig struct {
	Addr     string
	User     string
	Password string
	From     string
}

// SMTPMailer sends plain-text mail with PLAIN auth.
type SMTPMailer struct {
	cfg  SMTPConfig
	log  zerolog.Logger
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPMailer(cfg SMTPConfig, log zerolog.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, log: log, send: smtp.SendMail}
}

func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		m.cfg.From, to, subject, body,
	)
	var auth smtp.Auth
	if m.cfg.User != "" {
		host, _, err := net.SplitHostPort(m.cfg.Addr)
		if err != nil {
			return fmt.Errorf("smtp addr: %w", err)
		}
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Password, host)
	}
	if err := m.send(m.cfg.Addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		m.log.Warn().Err(err).Str("to", to).Msg("email send failed")
		return fmt.Errorf("send email: %w", err)
	}
	m.log.Info().Str("to", to).Str("subject", subject).Msg("email sent")
	return nil
}

type LogMailer struct {
	Log zerolog.Logger
}

func (m LogMailer) Send(_ context.Context, to, subject, _ string) error {
	m.Log.Info().Str("to", to).Str("subject", subject).Msg("email (log only)")
	return nil
}

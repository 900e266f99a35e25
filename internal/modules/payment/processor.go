package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Processor is the external payment processor. Every call carries an
// idempotency key derived from our own payment identifiers, so a retried
// call never moves money twice.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*Session, error)
	CreateSetupSession(ctx context.Context, p SetupParams) (*Session, error)
	ChargeOffSession(ctx context.Context, p ChargeParams) (*ChargeResult, error)
	Refund(ctx context.Context, p RefundParams) (*RefundResult, error)
}

type CheckoutParams struct {
	IdempotencyKey string            `json:"-"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Description    string            `json:"description"`
	ExpiresAt      time.Time         `json:"expires_at"`
	SuccessURL     string            `json:"success_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type SetupParams struct {
	IdempotencyKey string            `json:"-"`
	CustomerEmail  string            `json:"customer_email,omitempty"`
	CustomerPhone  string            `json:"customer_phone,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type ChargeParams struct {
	IdempotencyKey   string `json:"-"`
	CustomerRef      string `json:"customer"`
	PaymentMethodRef string `json:"payment_method"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Description      string `json:"description"`
}

type RefundParams struct {
	IdempotencyKey string `json:"-"`
	PaymentRef     string `json:"payment"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason,omitempty"`
}

type Session struct {
	Ref string `json:"id"`
	URL string `json:"url"`
}

type ChargeResult struct {
	Ref           string `json:"id"`
	Succeeded     bool   `json:"succeeded"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type RefundResult struct {
	Ref string `json:"id"`
}

// HTTPProcessor talks JSON to the processor API with a bearer key.
type HTTPProcessor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProcessor(baseURL, apiKey string, client *http.Client) *HTTPProcessor {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPProcessor{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}
}

func (p *HTTPProcessor) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (*Session, error) {
	var out Session
	if err := p.post(ctx, "/checkout/sessions", in.IdempotencyKey, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProcessor) CreateSetupSession(ctx context.Context, in SetupParams) (*Session, error) {
	var out Session
	if err := p.post(ctx, "/setup/sessions", in.IdempotencyKey, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProcessor) ChargeOffSession(ctx context.Context, in ChargeParams) (*ChargeResult, error) {
	var out ChargeResult
	if err := p.post(ctx, "/charges", in.IdempotencyKey, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProcessor) Refund(ctx context.Context, in RefundParams) (*RefundResult, error) {
	var out RefundResult
	if err := p.post(ctx, "/refunds", in.IdempotencyKey, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProcessor) post(ctx context.Context, path, idemKey string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idemKey)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("processor %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("processor %s status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode processor %s response: %w", path, err)
	}
	return nil
}

// Webhook event kinds and outcomes.
const (
	EventCheckout = "checkout"
	EventSetup    = "setup"

	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
)

// WebhookEvent is the body the processor posts for a finished session.
type WebhookEvent struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	SessionRef       string `json:"session_ref"`
	Outcome          string `json:"outcome"`
	PaymentRef       string `json:"payment_ref,omitempty"`
	CustomerRef      string `json:"customer_ref,omitempty"`
	PaymentMethodRef string `json:"payment_method_ref,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

var (
	ErrMalformedSignature = errors.New("malformed webhook signature header")
	ErrSignatureMismatch  = errors.New("webhook signature mismatch")
	ErrSignatureStale     = errors.New("webhook signature timestamp outside tolerance")
)

// SignatureHeader is where the processor puts "t=<unix>,v1=<hex>".
const SignatureHeader = "Processor-Signature"

// Sign returns the header value for body signed at ts.
func Sign(secret []byte, ts time.Time, body []byte) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + hex.EncodeToString(mac(secret, t, body))
}

// VerifySignature checks an HMAC-SHA256 webhook signature over
// "<timestamp>.<body>" and rejects timestamps further than tolerance from now.
func VerifySignature(secret []byte, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if b, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrMalformedSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMalformedSignature
	}
	if d := now.Sub(time.Unix(unix, 0)); d > tolerance || d < -tolerance {
		return ErrSignatureStale
	}
	want := mac(secret, ts, body)
	for _, s := range sigs {
		if hmac.Equal(s, want) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

func mac(secret []byte, ts string, body []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(ts))
	m.Write([]byte("."))
	m.Write(body)
	return m.Sum(nil)
}

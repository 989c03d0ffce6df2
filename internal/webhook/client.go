// Package webhook delivers signed batch.completed notifications.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/id"
)

const (
	HeaderSignature = "X-Pixelbatch-Signature"
	HeaderTimestamp = "X-Pixelbatch-Timestamp"
	HeaderEvent     = "X-Pixelbatch-Event"
	HeaderDelivery  = "X-Pixelbatch-Delivery"

	EventBatchCompleted = "batch.completed"
)

type Config struct {
	Endpoint    string
	Secret      string
	MaxAttempts int
	Timeout     time.Duration
	// Backoff doubles after every failed attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logger     zerolog.Logger
}

// BatchCompleted is the summary delivered after every batch. It never carries
// image bytes.
type BatchCompleted struct {
	BatchID       string    `json:"batch_id"`
	Images        int       `json:"images"`
	FailedImages  int       `json:"failed_images"`
	Variants      int       `json:"variants"`
	BytesIn       int64     `json:"bytes_in"`
	BytesOut      int64     `json:"bytes_out"`
	BytesSaved    int64     `json:"bytes_saved"`
	ComputeTimeMS int64     `json:"compute_time_ms"`
	CompletedAt   time.Time `json:"completed_at"`
}

// StatusError is a non-2xx answer from the receiver.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return "webhook returned status=" + strconv.Itoa(e.Code)
}

// permanent reports a client error the receiver will keep returning.
func (e *StatusError) permanent() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

type Client struct {
	http     *http.Client
	endpoint string
	secret   []byte
	attempts int
	backoff  time.Duration
	ceiling  time.Duration
	logger   zerolog.Logger
}

func NewClient(cfg Config) *Client {
	c := &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		endpoint: strings.TrimSpace(cfg.Endpoint),
		secret:   []byte(cfg.Secret),
		attempts: max(1, cfg.MaxAttempts),
		backoff:  cfg.Backoff,
		ceiling:  cfg.MaxBackoff,
		logger:   cfg.Logger,
	}
	if c.http.Timeout <= 0 {
		c.http.Timeout = 10 * time.Second
	}
	if c.backoff <= 0 {
		c.backoff = time.Second
	}
	c.ceiling = max(c.ceiling, c.backoff)
	return c
}

// BatchCompleted signs and posts the usage summary of a finished batch. A nil
// client or an empty endpoint delivers nothing.
func (c *Client) BatchCompleted(ctx context.Context, usage domain.UsageLog) error {
	if c == nil || c.endpoint == "" {
		return nil
	}

	body, err := json.Marshal(BatchCompleted{
		BatchID:       usage.BatchID,
		Images:        usage.Images,
		FailedImages:  usage.FailedImages,
		Variants:      usage.Variants,
		BytesIn:       usage.BytesIn,
		BytesOut:      usage.BytesOut,
		BytesSaved:    usage.BytesSaved,
		ComputeTimeMS: usage.ComputeTimeMS,
		CompletedAt:   usage.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode batch.completed %s: %w", usage.BatchID, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderEvent, EventBatchCompleted)
	header.Set(HeaderDelivery, id.New())
	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	header.Set(HeaderTimestamp, timestamp)
	header.Set(HeaderSignature, Sign(c.secret, timestamp, body))

	if err := c.deliver(ctx, header, body); err != nil {
		return fmt.Errorf("deliver batch.completed %s: %w", usage.BatchID, err)
	}
	return nil
}

// deliver retries transport errors and retryable statuses with capped
// exponential backoff.
func (c *Client) deliver(ctx context.Context, header http.Header, body []byte) error {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.post(ctx, header, body)
		if err == nil {
			return nil
		}

		var status *StatusError
		if errors.As(err, &status) && status.permanent() {
			return err
		}
		if attempt >= c.attempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		c.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Str("delivery", header.Get(HeaderDelivery)).
			Msg("webhook attempt failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, c.ceiling)
	}
}

func (c *Client) post(ctx context.Context, header http.Header, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = header.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Sign returns the signature header value: HMAC-SHA256 over
// "<timestamp>.<body>".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret []byte, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/AzielCF/az-publish/pkg/httpclient"
	"github.com/AzielCF/az-publish/publishing/domain/publisher"
	"github.com/AzielCF/az-publish/validations"
)

const (
	Platform = "webhook"

	// MetadataEndpoint is the credential metadata key holding the target URL.
	MetadataEndpoint = "endpoint"
)

// Publisher delivers posts to a storefront or custom endpoint as a JSON POST.
// The receiving side deduplicates on the Idempotency-Key header.
type Publisher struct {
	http    *httpclient.Client
	timeout time.Duration
}

func New(client *httpclient.Client, timeout time.Duration) *Publisher {
	return &Publisher{http: client, timeout: timeout}
}

var (
	_ publisher.Publisher       = (*Publisher)(nil)
	_ publisher.TimeoutProvider = (*Publisher)(nil)
)

func (p *Publisher) Platform() string { return Platform }

func (p *Publisher) PublishTimeout() time.Duration { return p.timeout }

type payload struct {
	IdempotencyKey string   `json:"idempotency_key"`
	AccountID      string   `json:"account_id"`
	Caption        string   `json:"caption"`
	Hashtags       []string `json:"hashtags,omitempty"`
	MediaURL       string   `json:"media_url,omitempty"`
}

type response struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (p *Publisher) Publish(ctx context.Context, in publisher.Input) (publisher.Result, error) {
	endpoint := in.Credential.Metadata[MetadataEndpoint]
	if err := validations.ValidateWebhookPost(ctx, in, endpoint); err != nil {
		return publisher.Result{}, publisher.Validation("invalid_post", err.Error()).Wrap(err)
	}

	body, err := json.Marshal(payload{
		IdempotencyKey: in.IdempotencyKey,
		AccountID:      in.Credential.AccountID,
		Caption:        in.Caption,
		Hashtags:       in.Hashtags,
		MediaURL:       in.MediaURL,
	})
	if err != nil {
		return publisher.Result{}, publisher.Validation("encode", "cannot encode payload").Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return publisher.Result{}, publisher.Validation("endpoint", "invalid endpoint").Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	if in.Credential.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+in.Credential.AccessToken)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, httpclient.ErrCircuitOpen) {
			return publisher.Result{}, publisher.Transient("circuit_open", "webhook circuit breaker is open").Wrap(err)
		}
		return publisher.Result{}, publisher.Classify(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out response
	_ = json.Unmarshal(raw, &out)

	status := resp.StatusCode
	code := strconv.Itoa(status)
	switch {
	case status >= 200 && status < 300:
		if out.ID == "" {
			out.ID = in.IdempotencyKey
		}
		return publisher.Result{PostID: out.ID, URL: out.URL}, nil
	case status == http.StatusConflict && out.ID != "":
		// Already delivered under this key.
		return publisher.Result{PostID: out.ID, URL: out.URL}, nil
	case status == http.StatusTooManyRequests || status >= 500:
		return publisher.Result{}, publisher.Transient(code, message(raw, status)).
			WithRetryAfter(httpclient.RetryAfter(resp.Header, time.Now()))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return publisher.Result{}, publisher.Auth(code, message(raw, status))
	default:
		return publisher.Result{}, publisher.Validation(code, message(raw, status))
	}
}

func message(raw []byte, status int) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return fmt.Sprintf("endpoint returned %d %s", status, http.StatusText(status))
}

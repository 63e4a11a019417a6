package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	logging "github.com/textileio/go-log/v2"
	"github.com/textileio/market-core/apierr"
)

var log = logging.Logger("gen")

const (
	defaultTimeout   = time.Second * 60
	defaultMaxTokens = 1024
	apiVersion       = "2023-06-01"
)

// Client calls a messages-style text-completion HTTP endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

var _ Generator = (*Client)(nil)

// NewClient returns a Client posting to endpoint with the given model. A
// non-positive timeout falls back to a default generous enough for slow
// generations.
func NewClient(endpoint, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Generate implements Generator. All transport and protocol failures are
// reported as KindUpstream; the raw upstream error text stays in logs.
func (c *Client) Generate(ctx context.Context, system, instruction string) (string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: defaultMaxTokens,
		System:    system,
		Messages:  []message{{Role: "user", Content: instruction}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warnf("posting generation request: %v", err)
		return "", apierr.Wrap(apierr.KindUpstream, err, "content generation unavailable")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Errorf("closing response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		log.Warnf("generation request returned status %d", resp.StatusCode)
		return "", apierr.Newf(apierr.KindUpstream, "content generation failed")
	}

	var mr messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return "", apierr.Wrap(apierr.KindUpstream, err, "content generation failed")
	}
	if len(mr.Content) == 0 || mr.Content[0].Type != "text" {
		return "", apierr.New(apierr.KindUpstream, "content generation failed")
	}
	return mr.Content[0].Text, nil
}

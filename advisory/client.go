package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// AdvisoryAPI is the external suggestion service collaborator.
type AdvisoryAPI interface {
	Suggest(ctx context.Context, doc DocumentContext) (*Suggestion, error)
}

type advisoryClient struct {
	baseURL string
	token   string
	http    *http.Client
	limiter <-chan time.Time
}

// NewClient builds the HTTP client for the advisory service from env:
// ADVISORY_API_BASE_URL, ADVISORY_API_TOKEN, ADVISORY_RATE_LIMIT_PER_MIN.
func NewClient() (AdvisoryAPI, error) {
	baseURL := strings.TrimSpace(os.Getenv("ADVISORY_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("ADVISORY_API_BASE_URL is empty")
	}
	token := strings.TrimSpace(os.Getenv("ADVISORY_API_TOKEN"))
	if token == "" {
		return nil, errors.New("ADVISORY_API_TOKEN is empty")
	}
	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("ADVISORY_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &advisoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: time.Tick(interval),
	}, nil
}

func (c *advisoryClient) Suggest(ctx context.Context, doc DocumentContext) (*Suggestion, error) {
	<-c.limiter

	data, err := json.Marshal(suggestRequest{Document: doc})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/suggestions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("advisory api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out suggestResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.Suggestion, nil
}

package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DocumentAPI is the document source collaborator. Strictly read-only.
type DocumentAPI interface {
	ListCandidates(ctx context.Context, tag, cursor string, limit int) (DocumentPage, error)
}

type documentClient struct {
	baseURL     string
	token       string
	http        *http.Client
	limiter     <-chan time.Time
	maxAttempts int
	backoff     time.Duration
}

// NewDocumentClient builds the HTTP client for the document source from env:
// DOCSOURCE_API_BASE_URL, DOCSOURCE_API_TOKEN, DOCSOURCE_RATE_LIMIT_PER_MIN.
func NewDocumentClient() (DocumentAPI, error) {
	baseURL := strings.TrimSpace(os.Getenv("DOCSOURCE_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("DOCSOURCE_API_BASE_URL is empty")
	}
	token := strings.TrimSpace(os.Getenv("DOCSOURCE_API_TOKEN"))
	if token == "" {
		return nil, errors.New("DOCSOURCE_API_TOKEN is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("DOCSOURCE_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &documentClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     time.Tick(interval),
		maxAttempts: clientMaxAttempts,
		backoff:     clientRetryBackoff,
	}, nil
}

// ListCandidates fetches one page with bounded retry. Transport failures and
// 5xx responses retry with exponential backoff; 4xx responses do not.
func (c *documentClient) ListCandidates(ctx context.Context, tag, cursor string, limit int) (DocumentPage, error) {
	params := url.Values{}
	if tag != "" {
		params.Set("tag", tag)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit <= 0 {
		limit = 100
	}
	params.Set("limit", strconv.Itoa(limit))
	endpoint := c.baseURL + "/v1/documents?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			sleep := c.backoff * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return DocumentPage{}, ctx.Err()
			case <-time.After(sleep):
			}
		}
		page, retryable, err := c.fetchOnce(ctx, endpoint)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !retryable {
			return DocumentPage{}, err
		}
	}
	return DocumentPage{}, lastErr
}

func (c *documentClient) fetchOnce(ctx context.Context, endpoint string) (DocumentPage, bool, error) {
	<-c.limiter

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return DocumentPage{}, false, err
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return DocumentPage{}, true, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return DocumentPage{}, true, fmt.Errorf("document source api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DocumentPage{}, false, fmt.Errorf("document source api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page DocumentPage
	if err := json.Unmarshal(body, &page); err != nil {
		return DocumentPage{}, false, err
	}
	return page, false, nil
}

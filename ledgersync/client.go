package ledgersync

import (
	"bytes"
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

	"bitbucket.org/mmdatafocus/ledgerlink_backend/fingerprint"
)

// LedgerAPI is the ledger service collaborator. The only mutating calls are
// the linkage-marker update and the explicitly user-confirmed entry creation.
type LedgerAPI interface {
	ListEntries(ctx context.Context, updatedSince, cursor string, limit int) (LedgerPage, error)
	UpdateLinkageMarker(ctx context.Context, externalTxId string, markers fingerprint.Markers, note string) error
	FindByMarker(ctx context.Context, marker string) (*LedgerTransaction, error)
	CreateEntry(ctx context.Context, input NewLedgerTransaction) (*LedgerTransaction, error)
}

const clientMaxAttempts = 3
const clientRetryBackoff = time.Second

type ledgerClient struct {
	baseURL     string
	token       string
	http        *http.Client
	limiter     <-chan time.Time
	maxAttempts int
	backoff     time.Duration
}

// NewLedgerClient builds the HTTP client for the ledger service from env:
// LEDGER_API_BASE_URL, LEDGER_API_TOKEN, LEDGER_RATE_LIMIT_PER_MIN.
func NewLedgerClient() (LedgerAPI, error) {
	baseURL := strings.TrimSpace(os.Getenv("LEDGER_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("LEDGER_API_BASE_URL is empty")
	}
	token := strings.TrimSpace(os.Getenv("LEDGER_API_TOKEN"))
	if token == "" {
		return nil, errors.New("LEDGER_API_TOKEN is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("LEDGER_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &ledgerClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		http:        &http.Client{Timeout: 30 * time.Second},
		limiter:     time.Tick(interval),
		maxAttempts: clientMaxAttempts,
		backoff:     clientRetryBackoff,
	}, nil
}

// do issues one API call with bounded retry. Transport failures and 5xx
// responses retry with exponential backoff; 4xx responses do not.
func (c *ledgerClient) do(ctx context.Context, method, path string, params url.Values, body interface{}) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = data
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			sleep := c.backoff * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleep):
			}
		}
		respBody, retryable, err := c.doOnce(ctx, method, endpoint, payload)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *ledgerClient) doOnce(ctx context.Context, method, endpoint string, payload []byte) ([]byte, bool, error) {
	<-c.limiter

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, errNotFound
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("ledger api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("ledger api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, false, nil
}

var errNotFound = errors.New("ledger record not found")

func (c *ledgerClient) ListEntries(ctx context.Context, updatedSince, cursor string, limit int) (LedgerPage, error) {
	params := url.Values{}
	if updatedSince != "" {
		params.Set("updated_since", updatedSince)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit <= 0 {
		limit = 200
	}
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, "/v1/transactions", params, nil)
	if err != nil {
		return LedgerPage{}, err
	}
	var page LedgerPage
	if err := json.Unmarshal(body, &page); err != nil {
		return LedgerPage{}, err
	}
	return page, nil
}

func (c *ledgerClient) UpdateLinkageMarker(ctx context.Context, externalTxId string, markers fingerprint.Markers, note string) error {
	payload := map[string]string{
		"external_id":        markers.ExternalID,
		"internal_reference": markers.InternalReference,
		"notes":              strings.TrimSpace(markers.NotesMarker + "\n" + note),
	}
	_, err := c.do(ctx, http.MethodPut, "/v1/transactions/"+url.PathEscape(externalTxId)+"/linkage", nil, payload)
	return err
}

func (c *ledgerClient) FindByMarker(ctx context.Context, marker string) (*LedgerTransaction, error) {
	params := url.Values{}
	params.Set("external_id", marker)
	params.Set("limit", "1")

	body, err := c.do(ctx, http.MethodGet, "/v1/transactions", params, nil)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var page LedgerPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}
	if len(page.Transactions) == 0 {
		return nil, nil
	}
	return &page.Transactions[0], nil
}

func (c *ledgerClient) CreateEntry(ctx context.Context, input NewLedgerTransaction) (*LedgerTransaction, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/transactions", nil, input)
	if err != nil {
		return nil, err
	}
	var tx LedgerTransaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/talkwire/chatkit/internal/chat"
)

// HTTPError is a non-2xx response that is not part of the engine's error
// taxonomy.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPClient implements Service against the messaging REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient creates a client for the given base URL with a bearer
// token. A nil httpClient gets a 15s-timeout default.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) StartSession(ctx context.Context) (*Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GetConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := c.doJSON(ctx, http.MethodGet, "/v1/conversations", nil, &out)
	return out, err
}

func (c *HTTPClient) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var out Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) CreateConversation(ctx context.Context, details ConversationDetails) (*Conversation, error) {
	var out Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/v1/conversations", details, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) UpdateConversation(ctx context.Context, details ConversationDetails) (*Conversation, error) {
	var out Conversation
	path := "/v1/conversations/" + url.PathEscape(details.ID)
	if err := c.doJSON(ctx, http.MethodPut, path, details, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeleteConversation(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/conversations/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) GetParticipants(ctx context.Context, id string) ([]chat.Participant, error) {
	var out []struct {
		ProfileID string `json:"profileId"`
		Name      string `json:"name"`
		Role      string `json:"role"`
	}
	path := "/v1/conversations/" + url.PathEscape(id) + "/participants"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	parts := make([]chat.Participant, len(out))
	for i, p := range out {
		parts[i] = chat.Participant{ProfileID: p.ProfileID, Name: p.Name, Role: p.Role}
	}
	return parts, nil
}

func (c *HTTPClient) AddParticipants(ctx context.Context, id string, profileIDs []string) error {
	path := "/v1/conversations/" + url.PathEscape(id) + "/participants"
	return c.doJSON(ctx, http.MethodPost, path, map[string][]string{"profileIds": profileIDs}, nil)
}

func (c *HTTPClient) RemoveParticipants(ctx context.Context, id string, profileIDs []string) error {
	path := "/v1/conversations/" + url.PathEscape(id) + "/participants/remove"
	return c.doJSON(ctx, http.MethodPost, path, map[string][]string{"profileIds": profileIDs}, nil)
}

func (c *HTTPClient) GetConversationEvents(ctx context.Context, id string, fromSeq int64, limit int) ([]chat.Event, error) {
	q := url.Values{}
	q.Set("from", fmt.Sprintf("%d", fromSeq))
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out []EventPayload
	path := "/v1/conversations/" + url.PathEscape(id) + "/events?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	events := make([]chat.Event, len(out))
	for i, p := range out {
		events[i] = p.Event()
	}
	return events, nil
}

func (c *HTTPClient) GetMessagesPage(ctx context.Context, id string, pageSize int, token *int64) (*MessagePage, error) {
	q := url.Values{}
	if pageSize > 0 {
		q.Set("pageSize", fmt.Sprintf("%d", pageSize))
	}
	if token != nil {
		q.Set("continuationToken", fmt.Sprintf("%d", *token))
	}
	var out messagePagePayload
	path := "/v1/conversations/" + url.PathEscape(id) + "/messages?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.page(id), nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, id string, parts []chat.Part, metadata map[string]string) (*SendResult, error) {
	body := map[string]any{"parts": encodeParts(parts)}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var out SendResult
	path := "/v1/conversations/" + url.PathEscape(id) + "/messages"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) SendStatusUpdates(ctx context.Context, id string, updates []StatusUpdate) error {
	path := "/v1/conversations/" + url.PathEscape(id) + "/statusupdates"
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{"statusUpdates": updates}, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Request-ID", uuid.New().String())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepCtx(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := sleepCtx(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)

		switch resp.StatusCode {
		case http.StatusNotFound:
			return &chat.NotFoundError{Kind: "remote resource", ID: requestPath}
		case http.StatusConflict:
			return fmt.Errorf("%s: %w", requestPath, chat.ErrAlreadyExists)
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: %w", requestPath, chat.ErrNoActiveSession)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int) time.Duration {
	d := c.baseDelay * time.Duration(1<<uint(attempt-1))
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ABOUTME: HTTP implementation of Source and Sender against the gateway API
// ABOUTME: Parses the SSE stream line by line into StreamBatch values

package reconcile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/coven-sessions/internal/api"
)

// maxEventSize bounds one SSE data payload. The server splits long logs into
// batches far below it; only a single enormous message can exceed it.
const maxEventSize = 32 << 20

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Code)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Message)
}

// HTTPSource talks to a coven-sessions server.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSource creates a source for the server at baseURL. token may be
// empty when the server runs without auth.
func NewHTTPSource(baseURL, token string) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

// WithHTTPClient replaces the underlying client, mostly for tests.
func (s *HTTPSource) WithHTTPClient(c *http.Client) *HTTPSource {
	s.client = c
	return s
}

func (s *HTTPSource) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

// Subscribe opens the SSE stream. A 4xx answer other than 408 or 429 is a
// PermanentError, as is an event too large to read.
func (s *HTTPSource) Subscribe(ctx context.Context, conversationID string, afterSequence int64) (*Stream, error) {
	path := "/api/conversation/" + url.PathEscape(conversationID) + "/stream?after=" + strconv.FormatInt(afterSequence, 10)
	req, err := s.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		serr := readStatusError(resp)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &PermanentError{Err: serr}
		}
		return nil, serr
	}

	ch := make(chan *api.StreamBatch)
	stream := &Stream{C: ch}
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// err is set before ch closes, which publishes it to the reader.
		stream.err = readSSE(resp.Body, func(event, data string) error {
			if event != api.StreamEvent {
				return nil
			}
			var batch api.StreamBatch
			if err := json.Unmarshal([]byte(data), &batch); err != nil {
				return fmt.Errorf("decoding batch: %w", err)
			}
			select {
			case ch <- &batch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return stream, nil
}

// readSSE calls fn for every complete event in r. Comment lines (pings) are
// skipped.
func readSSE(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line ends an event.
		if line == "" {
			if len(dataLines) > 0 {
				if eventType == "" {
					eventType = "message"
				}
				if err := fn(eventType, strings.Join(dataLines, "\n")); err != nil {
					return err
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return &PermanentError{Err: fmt.Errorf("stream event larger than %d bytes: %w", maxEventSize, err)}
		}
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

// Chat submits a user message.
func (s *HTTPSource) Chat(ctx context.Context, conversationID string, body *api.ChatRequest) (*api.ChatResponse, error) {
	var out api.ChatResponse
	if err := s.do(ctx, http.MethodPost, "/api/conversation/"+url.PathEscape(conversationID)+"/chat", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations lists conversations, newest activity first.
func (s *HTTPSource) Conversations(ctx context.Context, archived bool) ([]*api.Conversation, error) {
	var out api.ListResponse
	path := "/api/conversations?archived=" + strconv.FormatBool(archived)
	if err := s.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Conversation fetches one conversation with its messages.
func (s *HTTPSource) Conversation(ctx context.Context, id string) (*api.ConversationResponse, error) {
	var out api.ConversationResponse
	if err := s.do(ctx, http.MethodGet, "/api/conversation/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPSource) do(ctx context.Context, method, path string, body, out any) error {
	req, err := s.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readStatusError(resp *http.Response) *StatusError {
	serr := &StatusError{Code: resp.StatusCode}
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err == nil {
		serr.Message = body.Error
	}
	return serr
}

package queue

import (
	"context"
	"net/http"
	"strings"
)

// Status of a queued mutation. An entry is failed exactly when its attempt
// count reached the configured maximum after a failed replay.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
)

// Mutation is one write operation awaiting delivery. IDs are monotonic and
// rendered as fixed-width hex keys, so store iteration order is enqueue
// order.
type Mutation struct {
	ID     uint64
	URL    string
	Method string
	Header http.Header
	Body   Body

	EnqueuedAt  int64 // unix seconds
	Attempts    int
	NextRetryAt int64 // unix seconds, 0 = immediately eligible
	Status      Status
}

// BuildRequest reconstructs the original request from the stored descriptor.
func (m *Mutation) BuildRequest(ctx context.Context) (*http.Request, error) {
	body, contentType, err := m.Body.encode()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range m.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		if contentType != "" && strings.EqualFold(k, "Content-Type") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// Result aggregates one processing pass.
type Result struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Stats is the queue backlog broken down by status.
type Stats struct {
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// Summary is the admin-facing view of an entry, bodies elided.
type Summary struct {
	ID          uint64 `json:"id"`
	URL         string `json:"url"`
	Method      string `json:"method"`
	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	EnqueuedAt  int64  `json:"enqueuedAt"`
	NextRetryAt int64  `json:"nextRetryAt,omitempty"`
	BodyBytes   int    `json:"bodyBytes"`
}

func (m *Mutation) summary() Summary {
	n := len(m.Body.Raw)
	for _, f := range m.Body.Fields {
		n += len(f.Content) + len(f.Value)
	}
	return Summary{
		ID:          m.ID,
		URL:         m.URL,
		Method:      m.Method,
		Status:      m.Status,
		Attempts:    m.Attempts,
		EnqueuedAt:  m.EnqueuedAt,
		NextRetryAt: m.NextRetryAt,
		BodyBytes:   n,
	}
}

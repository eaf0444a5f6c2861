package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/gantrylab/gantry/internal/infrastructure/http/handler"
	"github.com/gantrylab/gantry/internal/infrastructure/http/response"
)

const (
	// maxSSELineBytes bounds a single stream line; tool results can carry
	// large JSON payloads.
	maxSSELineBytes = 1 << 20

	// maxErrorBodyBytes bounds how much of a failed streaming response is
	// read back looking for the error envelope.
	maxErrorBodyBytes = 64 << 10
)

// apiClient talks to the gantry API server. Plain requests share a
// client with a response timeout; streaming uses a dedicated client
// without one, because an event tail outlives any fixed deadline.
type apiClient struct {
	http   *resty.Client
	stream *resty.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	base := strings.TrimRight(baseURL, "/")
	return &apiClient{
		http:   resty.New().SetBaseURL(base).SetTimeout(timeout),
		stream: resty.New().SetBaseURL(base),
	}
}

func (c *apiClient) createJob(ctx context.Context, req handler.CreateJobRequest) (handler.JobDTO, error) {
	var out handler.JobResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/jobs")
	if err != nil {
		return handler.JobDTO{}, fmt.Errorf("failed to reach server: %w", err)
	}
	if resp.IsError() {
		return handler.JobDTO{}, apiError(resp)
	}
	return out.Job, nil
}

func (c *apiClient) getJob(ctx context.Context, jobID string) (handler.JobDTO, error) {
	var out handler.JobResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", jobID).
		SetResult(&out).
		Get("/v1/jobs/{id}")
	if err != nil {
		return handler.JobDTO{}, fmt.Errorf("failed to reach server: %w", err)
	}
	if resp.IsError() {
		return handler.JobDTO{}, apiError(resp)
	}
	return out.Job, nil
}

// listJobsQuery carries the optional job list filters.
type listJobsQuery struct {
	status         string
	mode           string
	conversationID string
	limit          int
}

func (c *apiClient) listJobs(ctx context.Context, query listJobsQuery) ([]handler.JobDTO, error) {
	var out handler.ListJobsResponse
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if query.status != "" {
		req.SetQueryParam("status", query.status)
	}
	if query.mode != "" {
		req.SetQueryParam("mode", query.mode)
	}
	if query.conversationID != "" {
		req.SetQueryParam("conversation_id", query.conversationID)
	}
	if query.limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(query.limit))
	}

	resp, err := req.Get("/v1/jobs")
	if err != nil {
		return nil, fmt.Errorf("failed to reach server: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return out.Jobs, nil
}

func (c *apiClient) cancelJob(ctx context.Context, jobID string) (handler.JobDTO, error) {
	return c.postJobAction(ctx, jobID, "cancel")
}

func (c *apiClient) resumeJob(ctx context.Context, jobID string) (handler.JobDTO, error) {
	return c.postJobAction(ctx, jobID, "resume")
}

func (c *apiClient) postJobAction(ctx context.Context, jobID, action string) (handler.JobDTO, error) {
	var out handler.JobResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", jobID).
		SetResult(&out).
		Post("/v1/jobs/{id}/" + action)
	if err != nil {
		return handler.JobDTO{}, fmt.Errorf("failed to reach server: %w", err)
	}
	if resp.IsError() {
		return handler.JobDTO{}, apiError(resp)
	}
	return out.Job, nil
}

func (c *apiClient) listEvents(ctx context.Context, jobID string, after int64, limit int) (handler.ListEventsResponse, error) {
	var out handler.ListEventsResponse
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("id", jobID).
		SetResult(&out)
	if after > 0 {
		req.SetQueryParam("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	resp, err := req.Get("/v1/jobs/{id}/events")
	if err != nil {
		return handler.ListEventsResponse{}, fmt.Errorf("failed to reach server: %w", err)
	}
	if resp.IsError() {
		return handler.ListEventsResponse{}, apiError(resp)
	}
	return out, nil
}

func (c *apiClient) createConversation(ctx context.Context) (handler.ConversationDTO, error) {
	var out handler.ConversationResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Post("/v1/conversations")
	if err != nil {
		return handler.ConversationDTO{}, fmt.Errorf("failed to reach server: %w", err)
	}
	if resp.IsError() {
		return handler.ConversationDTO{}, apiError(resp)
	}
	return out.Conversation, nil
}

// followEvents streams the job ledger from just past afterSeq, calling
// deliver for each event. When the server signals subscriber overflow it
// reconnects from the last seq it saw, so the caller still observes a
// gapless, duplicate-free feed. A cancelled context ends the tail
// cleanly.
func (c *apiClient) followEvents(ctx context.Context, jobID string, afterSeq int64, deliver func(handler.EventDTO)) error {
	cursor := afterSeq
	for {
		last, overflowed, err := c.streamEvents(ctx, jobID, cursor, deliver)
		if last > cursor {
			cursor = last
		}
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			return err
		case overflowed:
			continue
		default:
			return errors.New("event stream closed by server")
		}
	}
}

// streamEvents consumes one Server-Sent Events connection. It returns
// the highest seq delivered, whether the server ended the stream with an
// overflow frame, and any transport or protocol error.
func (c *apiClient) streamEvents(ctx context.Context, jobID string, afterSeq int64, deliver func(handler.EventDTO)) (int64, bool, error) {
	req := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParam("id", jobID).
		SetHeader("Accept", "text/event-stream")
	if afterSeq > 0 {
		req.SetQueryParam("after", strconv.FormatInt(afterSeq, 10))
	}

	resp, err := req.Get("/v1/jobs/{id}/events/stream")
	if err != nil {
		return afterSeq, false, fmt.Errorf("failed to reach server: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
		return afterSeq, false, errorFromEnvelope(raw, resp.Status())
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELineBytes)

	var (
		frame   streamFrame
		lastSeq = afterSeq
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if frame == (streamFrame{}) {
				continue
			}
			overflowed, err := handleFrame(frame, &lastSeq, deliver)
			frame = streamFrame{}
			if err != nil || overflowed {
				return lastSeq, overflowed, err
			}
		case strings.HasPrefix(line, "id: "):
			frame.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = frame.data + strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, ":"):
			// Comment line, used as a keep-alive by some proxies.
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return lastSeq, false, ctx.Err()
		}
		return lastSeq, false, fmt.Errorf("event stream read failed: %w", err)
	}
	return lastSeq, false, nil
}

// streamFrame is one parsed SSE frame.
type streamFrame struct {
	id    string
	event string
	data  string
}

// handleFrame interprets one SSE frame. Ledger events carry an id line
// holding their seq; control frames (overflow, stream errors) do not,
// which keeps them apart from ledger events whose kind is "error".
func handleFrame(frame streamFrame, lastSeq *int64, deliver func(handler.EventDTO)) (overflow bool, err error) {
	if frame.id == "" {
		switch frame.event {
		case "overflow":
			return true, nil
		case "error":
			return false, fmt.Errorf("event stream failed: %s", controlMessage(frame.data))
		default:
			return false, nil
		}
	}

	var event handler.EventDTO
	if err := json.Unmarshal([]byte(frame.data), &event); err != nil {
		return false, fmt.Errorf("failed to decode event frame: %w", err)
	}
	if event.Seq > *lastSeq {
		*lastSeq = event.Seq
	}
	deliver(event)
	return false, nil
}

// controlMessage pulls the human-readable message out of a control frame
// payload, falling back to the raw data.
func controlMessage(data string) string {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return data
}

// apiError turns a non-2xx response into an error, preferring the
// server's structured envelope over the bare status line.
func apiError(resp *resty.Response) error {
	return errorFromEnvelope(resp.Body(), resp.Status())
}

func errorFromEnvelope(body []byte, status string) error {
	var envelope response.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		var b strings.Builder
		fmt.Fprintf(&b, "%s: %s", envelope.Error.Code, envelope.Error.Message)
		for _, detail := range envelope.Error.Details {
			fmt.Fprintf(&b, " (%s: %s)", detail.Field, detail.Issue)
		}
		return errors.New(b.String())
	}
	return fmt.Errorf("server returned %s", status)
}

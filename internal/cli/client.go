package cli

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

	"github.com/pen/orchestrator/internal/saga"
	apperrors "github.com/pen/orchestrator/pkg/errors"
)

const tokenHeader = "X-Internal-Token"

// Client 运维接口的 HTTP 客户端
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// TriggerResult 单个 saga 的受理结果
type TriggerResult struct {
	SagaID string      `json:"sagaId"`
	Status saga.Status `json:"status"`
}

// BatchItem 批量触发中一项的结果
type BatchItem struct {
	Index  int              `json:"index"`
	SagaID string           `json:"sagaId,omitempty"`
	Error  *apperrors.Error `json:"error,omitempty"`
}

type ReplayResult struct {
	SagaID string      `json:"sagaId"`
	Result saga.Result `json:"result"`
}

// ListQuery 对应 GET /api/v1/sagas 的过滤参数
type ListQuery struct {
	Workflow  string
	Statuses  []string
	OlderThan time.Duration
	Limit     int
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if q.Workflow != "" {
		v.Set("workflow", q.Workflow)
	}
	for _, s := range q.Statuses {
		v.Add("status", s)
	}
	if q.OlderThan > 0 {
		v.Set("olderThan", q.OlderThan.String())
	}
	if q.Limit > 0 {
		v.Set("limit", fmt.Sprint(q.Limit))
	}
	return v
}

func (c *Client) List(ctx context.Context, q ListQuery) ([]saga.Saga, error) {
	var out []saga.Saga
	err := c.do(ctx, http.MethodGet, "/api/v1/sagas", q.values(), nil, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (*saga.Saga, error) {
	var out saga.Saga
	if err := c.do(ctx, http.MethodGet, "/api/v1/sagas/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Events(ctx context.Context, id string) ([]saga.SagaEvent, error) {
	var out []saga.SagaEvent
	err := c.do(ctx, http.MethodGet, "/api/v1/sagas/"+url.PathEscape(id)+"/events", nil, nil, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, workflow string, payload json.RawMessage, user string) (*TriggerResult, error) {
	var out TriggerResult
	if err := c.do(ctx, http.MethodPost, workflowPath(workflow, "sagas"), userQuery(user), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartBatch(ctx context.Context, workflow string, payloads []json.RawMessage, user string) ([]BatchItem, error) {
	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, err
	}
	var out []BatchItem
	err = c.do(ctx, http.MethodPost, workflowPath(workflow, "sagas/batch"), userQuery(user), body, &out)
	return out, err
}

func (c *Client) ForceStart(ctx context.Context, workflow string, payload json.RawMessage, user string) (*TriggerResult, error) {
	var out TriggerResult
	if err := c.do(ctx, http.MethodPost, workflowPath(workflow, "force-start"), userQuery(user), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ForceStop(ctx context.Context, id, user string) (*saga.Saga, error) {
	var out saga.Saga
	if err := c.do(ctx, http.MethodPost, "/api/v1/sagas/"+url.PathEscape(id)+"/force-stop", userQuery(user), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	var out ReplayResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/sagas/"+url.PathEscape(id)+"/replay", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr apperrors.Error
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func workflowPath(workflow, suffix string) string {
	return "/api/v1/workflows/" + url.PathEscape(workflow) + "/" + suffix
}

func userQuery(user string) url.Values {
	if user == "" {
		return nil
	}
	return url.Values{"createdBy": []string{user}}
}

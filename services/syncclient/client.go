// Package syncclient talks to the sync API over HTTP.
package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/masomo-sync/core/offline"
)

const (
	pushPath   = "/v1/sync/push"
	pullPath   = "/v1/sync/pull"
	healthPath = "/"
)

// Client is the offline.Remote of a sync API server.
type Client struct {
	baseURL string
	token   string
	rest    *rest.Client
}

var _ offline.Remote = (*Client)(nil)

// New returns a client for the server at baseURL authenticating with a bearer token.
// httpClient may be nil.
func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	if err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(baseURL, "baseURL"),
	).Check(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		rest:    &rest.Client{HTTPClient: httpClient},
	}, nil
}

func (c *Client) Push(ctx context.Context, req offline.PushRequest) (offline.PushResponse, error) {
	var resp offline.PushResponse
	if err := c.post(ctx, pushPath, req, &resp); err != nil {
		return offline.PushResponse{}, errors.Wrap(err, "pushing operations")
	}
	return resp, nil
}

func (c *Client) Pull(ctx context.Context, req offline.PullRequest) (offline.PullResponse, error) {
	var resp offline.PullResponse
	if err := c.post(ctx, pullPath, req, &resp); err != nil {
		return offline.PullResponse{}, errors.Wrap(err, "pulling changes")
	}
	return resp, nil
}

func (c *Client) Ping(ctx context.Context) error {
	res, err := c.rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Get,
		BaseURL: c.baseURL + healthPath,
	})
	if err != nil {
		return errors.Wrap(err, "pinging server")
	}
	return checkStatus(res)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}

	res, err := c.rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: c.baseURL + path,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return err
	}
	if err := checkStatus(res); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(res.Body), out); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

func checkStatus(res *rest.Response) error {
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return &offline.StatusError{Code: res.StatusCode, Body: strings.TrimSpace(res.Body)}
	}
	return nil
}

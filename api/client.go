package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/pgpmail/mlog"
)

var pkglog = mlog.New("api", nil)

var metricRequest = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pgpmail_api_requests_total",
		Help: "API requests, per operation and result (ok, usererror, servererror).",
	},
	[]string{
		"op",
		"result",
	},
)

// Client talks JSON over HTTP to the mail API server.
type Client struct {
	BaseURL    string       // E.g. https://mail.example.com/api, without trailing slash.
	HTTPClient *http.Client // If nil, http.DefaultClient.
}

func (c Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// errorResponse is the error body the server sends for non-2xx responses.
type errorResponse struct {
	Code  string
	Error string
}

// transact does a request and decodes a 2xx JSON response into resp (unless
// nil). Non-2xx responses are returned as *sherpa.Error, code "user:error" for
// 4xx and "server:error" otherwise, with the server error message when the
// body contains one.
func (c Client) transact(ctx context.Context, op, method, path string, reqBody, resp any) error {
	log := pkglog.WithContext(ctx)

	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			metricRequest.WithLabelValues(op, "servererror").Inc()
			return fmt.Errorf("marshal %s request: %v", op, err)
		}
		body = bytes.NewReader(buf)
	}
	url := strings.TrimSuffix(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		metricRequest.WithLabelValues(op, "servererror").Inc()
		return fmt.Errorf("new %s request: %v", op, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hresp, err := c.httpClient().Do(req)
	if err != nil {
		metricRequest.WithLabelValues(op, "servererror").Inc()
		return &sherpa.Error{Code: "server:error", Message: fmt.Sprintf("%s: %s", op, err)}
	}
	defer func() {
		err := hresp.Body.Close()
		log.Check(err, "closing http response body")
	}()

	if hresp.StatusCode/100 != 2 {
		var eresp errorResponse
		msg := hresp.Status
		if err := json.NewDecoder(hresp.Body).Decode(&eresp); err == nil && eresp.Error != "" {
			msg = eresp.Error
		}
		code := "server:error"
		result := "servererror"
		if hresp.StatusCode/100 == 4 {
			code = "user:error"
			result = "usererror"
		}
		metricRequest.WithLabelValues(op, result).Inc()
		log.Debugx("api request failed", fmt.Errorf("%s", msg), slog.String("op", op), slog.Int("status", hresp.StatusCode))
		return &sherpa.Error{Code: code, Message: fmt.Sprintf("%s: %s", op, msg)}
	}

	if resp != nil {
		if err := json.NewDecoder(hresp.Body).Decode(resp); err != nil {
			metricRequest.WithLabelValues(op, "servererror").Inc()
			return fmt.Errorf("decode %s response: %v", op, err)
		}
	}
	metricRequest.WithLabelValues(op, "ok").Inc()
	return nil
}

// MessageSend submits the packages for a message, returning the canonical
// sent message and the server's delivery time.
func (c Client) MessageSend(ctx context.Context, messageID string, req SendRequest) (SendResponse, error) {
	var resp SendResponse
	err := c.transact(ctx, "send", "POST", "/messages/"+messageID+"/send", req, &resp)
	return resp, err
}

// CancelSend asks the server to cancel delivery of a message still in its
// delay window. The server rejects the request when the window already closed.
func (c Client) CancelSend(ctx context.Context, messageID string) error {
	return c.transact(ctx, "cancelsend", "POST", "/messages/"+messageID+"/cancel_send", nil, nil)
}

// Call fetches the latest server state so local caches can be brought up to
// date, e.g. after the undo window closed or a send was undone.
func (c Client) Call(ctx context.Context) error {
	return c.transact(ctx, "call", "GET", "/events", nil, nil)
}

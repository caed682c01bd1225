package keys

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"e2e_messenger/internal/model"
)

type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
}

func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("keys: base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: u, http: httpClient, tokens: tokens}, nil
}

func (c *Client) FetchBundles(ctx context.Context, user model.UserId, devices []model.DeviceId) ([]model.DeviceBundle, error) {
	q := url.Values{}
	if len(devices) > 0 {
		ids := make([]string, len(devices))
		for i, d := range devices {
			ids[i] = strconv.FormatUint(uint64(d), 10)
		}
		q.Set("devices", strings.Join(ids, ","))
	}
	var out fetchResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+user.String(), q, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *Client) Publish(ctx context.Context, addr model.Address, keys model.PublishedKeys) error {
	path := fmt.Sprintf("/v1/keys/%d/%d", addr.User, addr.Device)
	return c.do(ctx, http.MethodPut, path, nil, keys, nil)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("keys: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("keys: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("keys: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("keys: decode response: %w", err)
	}
	return nil
}

package api

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

	"worldledger.ai/internal/protocol"
	"worldledger.ai/internal/sim/changeset"
	"worldledger.ai/internal/syncproto"
)

// Client talks to Server over HTTP. It satisfies syncproto.Fetcher.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Snapshot(ctx context.Context) (syncproto.Snapshot, error) {
	var s syncproto.Snapshot
	err := c.get(ctx, "/v1/snapshot", &s)
	return s, err
}

func (c *Client) Delta(ctx context.Context, known map[string]uint64) (syncproto.Delta, error) {
	q := url.Values{}
	for doc, v := range known {
		q.Set(doc, strconv.FormatUint(v, 10))
	}
	var d syncproto.Delta
	err := c.get(ctx, "/v1/delta?"+q.Encode(), &d)
	return d, err
}

func (c *Client) Worlds(ctx context.Context) (string, []protocol.WorldRef, error) {
	var w worldsResp
	err := c.get(ctx, "/v1/worlds", &w)
	return w.DefaultWorldID, w.Worlds, err
}

// Submit posts cs and waits for the outcome. Rejections are returned as a
// result, not an error; errors are transport failures.
func (c *Client) Submit(ctx context.Context, cs changeset.Changeset) (protocol.Result, error) {
	var res protocol.Result
	b, err := json.Marshal(cs)
	if err != nil {
		return res, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/changesets", bytes.NewReader(b))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return res, fmt.Errorf("submit: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("submit: decode %s response: %w", resp.Status, err)
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dnsgraph/dnsgraph/internal/server"
)

// httpClient is used for the one-shot API calls.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// getJSON fetches path from the daemon and decodes the JSON body into out.
func getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u, err := endpoint(path, query)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach dnsgraph at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// dialUpdates opens the websocket update channel.
func dialUpdates(ctx context.Context, filter string) (*websocket.Conn, error) {
	query := url.Values{}
	if filter != "" {
		query.Set("filter", filter)
	}
	u, err := endpoint(server.UpdatesPath, query)
	if err != nil {
		return nil, err
	}
	u = "ws" + strings.TrimPrefix(u, "http")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("connecting to %s: %s: %s", u, resp.Status, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("connecting to %s: %w", u, err)
	}
	return conn, nil
}

func endpoint(path string, query url.Values) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("invalid server URL %q: scheme must be http or https", serverURL)
	}
	base.Path += path
	base.RawQuery = query.Encode()
	return base.String(), nil
}

package chromium

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yie1d/pydoll-sub000/common"
)

// VersionInfo is the descriptor served by the browser's /json/version
// discovery endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// TargetDescriptor is one entry of the browser's /json/list discovery
// endpoint, describing a debuggable target and its WebSocket URL.
type TargetDescriptor struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

var discoveryClient = &http.Client{Timeout: 10 * time.Second}

// Version fetches the browser descriptor from the DevTools HTTP address.
func Version(ctx context.Context, devtoolsURL string) (*VersionInfo, error) {
	var info VersionInfo
	if err := getJSON(ctx, strings.TrimRight(devtoolsURL, "/")+"/json/version", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// BrowserWsURL discovers the browser's CDP WebSocket URL through the
// /json/version endpoint.
func BrowserWsURL(ctx context.Context, devtoolsURL string) (string, error) {
	info, err := Version(ctx, devtoolsURL)
	if err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("%w: %q returned no webSocketDebuggerUrl",
			common.ErrProcessUnavailable, devtoolsURL)
	}
	return info.WebSocketDebuggerURL, nil
}

// ListTargets fetches the debuggable target descriptors through the
// /json/list endpoint.
func ListTargets(ctx context.Context, devtoolsURL string) ([]TargetDescriptor, error) {
	var targets []TargetDescriptor
	if err := getJSON(ctx, strings.TrimRight(devtoolsURL, "/")+"/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building discovery request: %w", err)
	}
	resp, err := discoveryClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: querying %q: %v", common.ErrProcessUnavailable, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %q returned status %d",
			common.ErrProcessUnavailable, url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %q response: %w", url, err)
	}
	return nil
}

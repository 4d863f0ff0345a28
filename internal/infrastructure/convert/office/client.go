package office

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/scanmaster/internal/core/domain"
)

// Client calls the external LibreOffice-based conversion engine over HTTP.
// The engine receives the source object's storage path and writes the
// canonical PDF next to it, returning the new key. Failures are classified
// into domain.ErrTransient / domain.ErrPermanent so the orchestrator applies
// the matching retry policy; the retry decision itself stays out of here.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Convert(ctx context.Context, sourcePath string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{"source_path": sourcePath})
	if err != nil {
		return "", fmt.Errorf("marshal convert request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/convert", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create convert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", classifyStatusError(resp)
	}

	var result struct {
		CanonicalPath string `json:"canonical_path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", domain.WrapError(domain.ErrTransient, "convert document", fmt.Errorf("decode response: %w", err))
	}
	if result.CanonicalPath == "" {
		return "", domain.WrapError(domain.ErrTransient, "convert document", errors.New("engine returned empty canonical path"))
	}
	return result.CanonicalPath, nil
}

// Timeouts and connection failures are transient; the engine exceeding its
// execution budget counts as transient too.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTransient, "convert document", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.WrapError(domain.ErrTransient, "convert document", err)
	}
	return domain.WrapError(domain.ErrTransient, "convert document", fmt.Errorf("engine request: %w", err))
}

// 4xx means the engine rejected the source itself (corrupt or unsupported);
// retrying the same bytes cannot succeed. Everything else is transient.
func classifyStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))
	statusErr := fmt.Errorf("engine status %s: %s", resp.Status, msg)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
		return domain.WrapError(domain.ErrPermanent, "convert document", statusErr)
	}
	return domain.WrapError(domain.ErrTransient, "convert document", statusErr)
}

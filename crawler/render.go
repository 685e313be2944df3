package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Renderer produces the post-load DOM of a page whose static HTML is not
// representative (script-built content). A nil Renderer disables the
// fallback.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
}

// ServiceRenderer delegates rendering to an external headless-browser
// service: POST {"url": ...} returns {"html": ...}.
type ServiceRenderer struct {
	Address string
	Client  *http.Client
}

var _ Renderer = (*ServiceRenderer)(nil)

// NewServiceRenderer returns a renderer speaking to the service at address.
func NewServiceRenderer(address string) *ServiceRenderer {
	return &ServiceRenderer{
		Address: address,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type renderRequest struct {
	URL string `json:"url"`
}

type renderResponse struct {
	HTML  string `json:"html"`
	Error string `json:"error,omitempty"`
}

func (r *ServiceRenderer) Render(ctx context.Context, url string) ([]byte, error) {
	var body, err = json.Marshal(renderRequest{URL: url})
	if err != nil {
		return nil, fmt.Errorf("encoding render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Address, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling renderer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("renderer returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading render response: %w", err)
	}
	var rendered renderResponse
	if err = json.Unmarshal(data, &rendered); err != nil {
		return nil, fmt.Errorf("decoding render response: %w", err)
	}
	if rendered.Error != "" {
		return nil, fmt.Errorf("renderer: %s", rendered.Error)
	}

	log.WithField("url", url).Debug("page rendered via service")
	return []byte(rendered.HTML), nil
}

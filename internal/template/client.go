package template

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTemplate is the body used when the template service cannot supply
// a template for the requested code.
const DefaultTemplate = "Hello {name},\n\nThis is an automated notification.\n\n{link}"

const fetchTimeout = 5 * time.Second

// Fetcher retrieves a template body by code.
type Fetcher interface {
	Fetch(ctx context.Context, code string) (string, error)
}

// Client fetches template bodies from the template service over HTTP.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL string) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(fetchTimeout).
		SetHeader("Accept", "application/json")

	return &Client{http: client}
}

type templateResponse struct {
	TemplateContent string `json:"template_content"`
}

// Fetch returns the template body for the given code. Any transport failure
// or non-2xx response is returned as an error so callers can decide whether
// to fall back.
func (c *Client) Fetch(ctx context.Context, code string) (string, error) {
	var out templateResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/templates/%s", code))
	if err != nil {
		return "", fmt.Errorf("failed to fetch template %q: %w", code, err)
	}

	if resp.IsError() {
		return "", fmt.Errorf("template service returned %d for %q", resp.StatusCode(), code)
	}

	if out.TemplateContent == "" {
		return "", fmt.Errorf("template service returned empty body for %q", code)
	}

	return out.TemplateContent, nil
}

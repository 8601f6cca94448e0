// Package batchdata is a client for the BatchData property skip-trace API.
package batchdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.batchdata.com"

// Client performs skip-trace lookups against the BatchData API.
type Client interface {
	SkipTrace(ctx context.Context, req SkipTraceRequest) (*SkipTraceResponse, error)
}

// PropertyAddress is the address block of a skip-trace request.
type PropertyAddress struct {
	Street string `json:"street"`
	City   string `json:"city"`
	State  string `json:"state"`
	Zip    string `json:"zip"`
}

// SkipTraceRequest is one property lookup.
type SkipTraceRequest struct {
	PropertyAddress PropertyAddress `json:"propertyAddress"`
}

type skipTraceBody struct {
	Requests []SkipTraceRequest `json:"requests"`
}

// Name is a first/last name pair as BatchData returns them.
type Name struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

// Full joins the name parts, trimming when either is empty.
func (n Name) Full() string {
	return strings.TrimSpace(strings.TrimSpace(n.First) + " " + strings.TrimSpace(n.Last))
}

// Email is one email entry on a matched person.
type Email struct {
	Email string `json:"email"`
}

// PhoneNumber is one phone entry on a matched person.
type PhoneNumber struct {
	Number string `json:"number"`
}

// PersonMeta carries match metadata for a returned person.
type PersonMeta struct {
	Matched bool `json:"matched"`
}

// Owner is the property-owner block nested under a person.
type Owner struct {
	Name           Name   `json:"name"`
	MailingAddress string `json:"mailingAddress"`
}

// PersonProperty nests property-level data for a person.
type PersonProperty struct {
	Owner Owner `json:"owner"`
}

// Person is one candidate match in a skip-trace response.
type Person struct {
	Name         Name           `json:"name"`
	Emails       []Email        `json:"emails"`
	PhoneNumbers []PhoneNumber  `json:"phoneNumbers"`
	Property     PersonProperty `json:"property"`
	Meta         PersonMeta     `json:"meta"`
}

// ResultsMeta carries response-level metadata.
type ResultsMeta struct {
	RequestID string `json:"requestId"`
}

// Results is the payload of a successful skip-trace response.
type Results struct {
	Persons []Person    `json:"persons"`
	Meta    ResultsMeta `json:"meta"`
}

// Status is the status envelope on every BatchData response.
type Status struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

// SkipTraceResponse is the full response body.
type SkipTraceResponse struct {
	Status  Status  `json:"status"`
	Results Results `json:"results"`
}

// StatusError is a non-success HTTP or envelope status from BatchData.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("batchdata: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a BatchData API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SkipTrace(ctx context.Context, req SkipTraceRequest) (*SkipTraceResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "batchdata: rate limiter")
		}
	}

	body, err := json.Marshal(skipTraceBody{Requests: []SkipTraceRequest{req}})
	if err != nil {
		return nil, eris.Wrap(err, "batchdata: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/property/skip-trace", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "batchdata: create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "batchdata: do request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "batchdata: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var out SkipTraceResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "batchdata: unmarshal response")
	}
	if out.Status.Code != 0 && out.Status.Code != http.StatusOK {
		return nil, &StatusError{StatusCode: out.Status.Code, Body: out.Status.Text}
	}
	return &out, nil
}

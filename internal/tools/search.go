package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrNoAPIKey means the search backend is not configured.
var ErrNoAPIKey = errors.New("tools: search API key not configured")

const (
	DefaultTavilyURL = "https://api.tavily.com/search"
	DefaultNPIURL    = "https://npiregistry.cms.hhs.gov/api/"

	requestTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
	userAgent      = "paflow/1.0"
)

// AllowedDomains is the authoritative search allowlist.
var AllowedDomains = []string{
	"cms.gov",
	"icd.codes",
	"icd10data.com",
	"ama-assn.org",
	"npiregistry.cms.hhs.gov",
	"providerdata.cms.gov",
	"fda.gov",
	"pubmed.ncbi.nlm.nih.gov",
}

type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type SearchResponse struct {
	Answer  string         `json:"answer"`
	Results []SearchResult `json:"results"`
}

// Searcher runs a domain-restricted web search.
type Searcher interface {
	Search(ctx context.Context, query string, domains []string, maxResults int) (*SearchResponse, error)
}

// TavilyClient calls the Tavily search API.
type TavilyClient struct {
	apiKey   string
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewTavilyClient(apiKey, endpoint string, limiter *rate.Limiter) *TavilyClient {
	if endpoint == "" {
		endpoint = DefaultTavilyURL
	}
	return &TavilyClient{
		apiKey:   apiKey,
		endpoint: endpoint,
		http:     &http.Client{Timeout: requestTimeout},
		limiter:  limiter,
	}
}

type tavilyRequest struct {
	Query          string   `json:"query"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	MaxResults     int      `json:"max_results"`
	IncludeAnswer  bool     `json:"include_answer"`
}

func (c *TavilyClient) Search(ctx context.Context, query string, domains []string, maxResults int) (*SearchResponse, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if domains == nil {
		domains = AllowedDomains
	}
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}

	body, err := json.Marshal(tavilyRequest{
		Query:          query,
		IncludeDomains: domains,
		MaxResults:     maxResults,
		IncludeAnswer:  true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", userAgent)

	var out SearchResponse
	if err := doJSON(c.http, req, &out); err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}
	return &out, nil
}

// NPIClient queries the CMS NPI Registry, which needs no credentials.
type NPIClient struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewNPIClient(endpoint string, limiter *rate.Limiter) *NPIClient {
	if endpoint == "" {
		endpoint = DefaultNPIURL
	}
	return &NPIClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: requestTimeout},
		limiter:  limiter,
	}
}

type npiResponse struct {
	Results []struct {
		Basic struct {
			Name             string `json:"name"`
			OrganizationName string `json:"organization_name"`
			FirstName        string `json:"first_name"`
			LastName         string `json:"last_name"`
			Status           string `json:"status"`
		} `json:"basic"`
		Taxonomies []struct {
			Code string `json:"code"`
			Desc string `json:"desc"`
		} `json:"taxonomies"`
		Addresses []struct {
			State string `json:"state"`
		} `json:"addresses"`
	} `json:"results"`
}

func (c *NPIClient) lookup(ctx context.Context, npi string) (*npiResponse, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("version", "2.1")
	q.Set("number", npi)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", userAgent)

	var out npiResponse
	if err := doJSON(c.http, req, &out); err != nil {
		return nil, fmt.Errorf("npi registry: %w", err)
	}
	return &out, nil
}

func wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

func doJSON(client *http.Client, req *http.Request, v any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.Unmarshal(data, v)
}

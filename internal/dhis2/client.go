package dhis2

import (
	"context"
	"encoding/json"
	"fmt"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPageSize = 100
	DefaultTimeout  = 60 * time.Second
)

type Config struct {
	URL               string
	Username          string
	Password          string
	Timeout           time.Duration
	RequestsPerSecond float64
}

type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, fmt.Errorf("dhis2 url is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("failed parsing dhis2 url: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	limit := rate.Inf
	burst := 1
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
		burst = max(1, int(config.RequestsPerSecond))
	}
	return &Client{
		baseURL:    strings.TrimRight(config.URL, "/"),
		username:   config.Username,
		password:   config.Password,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// HTTPError is a non-2xx answer from the server.
type HTTPError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("dhis2 %s answered %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

type OrgUnit struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

type orgUnitsResponse struct {
	OrganisationUnits []OrgUnit `json:"organisationUnits"`
}

type OrgUnitQuery struct {
	Level  int
	Parent string
}

// OrganisationUnits lists units by level, optionally within a parent's subtree.
func (c *Client) OrganisationUnits(ctx context.Context, query OrgUnitQuery) ([]OrgUnit, error) {
	params := url.Values{}
	params.Set("paging", "false")
	params.Set("fields", "id,name,level")
	if query.Level > 0 {
		params.Set("level", strconv.Itoa(query.Level))
	}
	if query.Parent != "" {
		params.Add("filter", "path:like:"+query.Parent)
	}

	response := orgUnitsResponse{}
	if err := c.get(ctx, "/api/organisationUnits.json", params, &response); err != nil {
		return nil, err
	}
	return response.OrganisationUnits, nil
}

type AnalyticsQuery struct {
	DataItems []string
	Periods   []string
	OrgUnit   string
	PageSize  int
}

func (q AnalyticsQuery) values(page int) url.Values {
	params := url.Values{}
	params.Add("dimension", "dx:"+strings.Join(q.DataItems, ";"))
	params.Add("dimension", "pe:"+strings.Join(q.Periods, ";"))
	params.Add("dimension", "ou:"+q.OrgUnit)
	params.Set("paging", "true")
	params.Set("page", strconv.Itoa(page))
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	params.Set("pageSize", strconv.Itoa(pageSize))
	return params
}

type Header struct {
	Name   string `json:"name"`
	Column string `json:"column"`
}

type Pager struct {
	Page      int `json:"page"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
	PageSize  int `json:"pageSize"`
}

type AnalyticsPage struct {
	Headers []Header   `json:"headers"`
	Rows    [][]string `json:"rows"`
	Pager   Pager      `json:"pager"`
}

func (c *Client) Analytics(ctx context.Context, query AnalyticsQuery, page int) (AnalyticsPage, error) {
	if page < 1 {
		page = 1
	}
	response := AnalyticsPage{}
	if err := c.get(ctx, "/api/analytics.json", query.values(page), &response); err != nil {
		return AnalyticsPage{}, err
	}
	return response, nil
}

// EachAnalyticsPage calls fn for every page of the query, stopping at the
// first error.
func (c *Client) EachAnalyticsPage(ctx context.Context, query AnalyticsQuery, fn func(AnalyticsPage) error) error {
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := c.Analytics(ctx, query, page)
		if err != nil {
			return fmt.Errorf("failed fetching analytics page %d for %s: %w", page, query.OrgUnit, err)
		}
		if err = fn(result); err != nil {
			return err
		}
		if result.Pager.PageCount <= page {
			return nil
		}
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, target any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed waiting for dhis2 rate limit: %w", err)
	}

	requestURL := c.baseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("failed building dhis2 request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed calling dhis2 %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	log.WithFields(log.Fields{
		"endpoint": endpoint,
		"status":   resp.StatusCode,
		"duration": time.Since(started),
	}).Debug("DHIS2 request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: strings.TrimSpace(string(body))}
	}
	if err = json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed decoding dhis2 %s response: %w", endpoint, err)
	}
	return nil
}

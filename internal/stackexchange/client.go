// Package stackexchange harvests questions from the StackExchange API,
// walking the paginated /questions endpoint in activity order and
// wrapping each question in provenance metadata.
package stackexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"stacktap/internal/transport"
)

const (
	apiVersion = "2.2"

	// maxQuestionsPerPage is the largest pagesize the API accepts.
	maxQuestionsPerPage = 100

	// questionFilter asks the API for full question bodies plus the
	// total count in the page envelope. Filters are immutable and
	// non-expiring, see https://api.stackexchange.com/docs/questions.
	questionFilter = "Bf*y*ByQD_upZqozgU6lXL_62USGOoV3)MFNgiHqHpmO_Y-jHR"
)

// apiBaseURL and sleepFunc are variables so tests can point the client
// at a local server and observe backoff waits.
var (
	apiBaseURL = "https://api.stackexchange.com"
	sleepFunc  = time.Sleep
)

// ParseError reports a page body or question that could not be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse questions: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Client queries the /questions endpoint of a single site.
type Client struct {
	site        string
	tagged      string
	key         string
	accessToken string
	pageSize    int
	getter      transport.Getter
	log         *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTagged restricts questions to those carrying the given tags,
// semicolon separated.
func WithTagged(tagged string) ClientOption {
	return func(c *Client) {
		c.tagged = tagged
	}
}

// WithKey sets the application key sent with every request.
func WithKey(key string) ClientOption {
	return func(c *Client) {
		c.key = key
	}
}

// WithAccessToken sets the user access token sent with every request.
func WithAccessToken(token string) ClientOption {
	return func(c *Client) {
		c.accessToken = token
	}
}

// WithPageSize sets how many questions to request per page. Values
// outside 1..100 fall back to the API maximum.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 && n <= maxQuestionsPerPage {
			c.pageSize = n
		}
	}
}

// WithClientLogger sets the logger used for quota and progress messages.
func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient returns a Client for site that fetches through getter.
func NewClient(site string, getter transport.Getter, opts ...ClientOption) *Client {
	client := &Client{
		site:     site,
		pageSize: maxQuestionsPerPage,
		getter:   getter,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) questionsURL() string {
	return apiBaseURL + "/" + apiVersion + "/questions"
}

// queryParams builds the query for one page. Questions come back in
// ascending activity order so a crashed run can resume from the last
// timestamp it saw. min is only sent for lower bounds after the epoch,
// and empty credentials are omitted entirely.
func (c *Client) queryParams(page int, since time.Time) url.Values {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	params.Set("pagesize", strconv.Itoa(c.pageSize))
	params.Set("order", "asc")
	params.Set("sort", "activity")
	params.Set("site", c.site)
	params.Set("filter", questionFilter)
	if c.tagged != "" {
		params.Set("tagged", c.tagged)
	}
	if c.key != "" {
		params.Set("key", c.key)
	}
	if c.accessToken != "" {
		params.Set("access_token", c.accessToken)
	}
	if since.Unix() > 0 {
		params.Set("min", strconv.FormatInt(since.Unix(), 10))
	}
	return params
}

// SanitizeArchive strips the credential parameters from a request tuple
// so archived pages can be replayed without them. The inputs are left
// untouched.
func SanitizeArchive(rawURL string, header http.Header, params url.Values) (string, http.Header, url.Values) {
	clean := url.Values{}
	for k, vs := range params {
		if k == "key" || k == "access_token" {
			continue
		}
		clean[k] = append([]string(nil), vs...)
	}
	return rawURL, header, clean
}

// Probe checks that the API answers for site with one cheap request
// against the /info endpoint.
func Probe(ctx context.Context, getter transport.Getter, site string) error {
	params := url.Values{}
	params.Set("site", site)
	resp, err := getter.Get(ctx, apiBaseURL+"/"+apiVersion+"/info", params)
	if err != nil {
		return err
	}
	var envelope struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := resp.JSON(&envelope); err != nil {
		return &ParseError{Err: err}
	}
	return nil
}

// Page is one response from the /questions endpoint. Body holds the raw
// JSON text; the remaining fields are the decoded envelope.
type Page struct {
	Body           string
	HasMore        bool
	Backoff        float64
	QuotaRemaining int
	QuotaMax       int
	PageSize       int
	Total          int
}

func (c *Client) fetchPage(ctx context.Context, page int, since time.Time) (*Page, error) {
	resp, err := c.getter.Get(ctx, c.questionsURL(), c.queryParams(page, since))
	if err != nil {
		return nil, err
	}

	var envelope struct {
		HasMore        bool    `json:"has_more"`
		Backoff        float64 `json:"backoff"`
		QuotaRemaining int     `json:"quota_remaining"`
		QuotaMax       int     `json:"quota_max"`
		PageSize       int     `json:"page_size"`
		Total          int     `json:"total"`
	}
	if err := resp.JSON(&envelope); err != nil {
		return nil, &ParseError{Err: err}
	}

	return &Page{
		Body:           resp.Text(),
		HasMore:        envelope.HasMore,
		Backoff:        envelope.Backoff,
		QuotaRemaining: envelope.QuotaRemaining,
		QuotaMax:       envelope.QuotaMax,
		PageSize:       envelope.PageSize,
		Total:          envelope.Total,
	}, nil
}

// Pages walks the question pages for updates at or after since. Pages
// are fetched lazily, one call to the API per Next. When a page asks
// for a backoff, the wait happens before the following page is fetched.
//
//	pages := client.Pages(ctx, since)
//	for pages.Next() {
//		use(pages.Page())
//	}
//	if err := pages.Err(); err != nil { ... }
type Pages struct {
	client *Client
	ctx    context.Context
	since  time.Time

	page    int
	cur     *Page
	fetched int
	total   int
	err     error
	done    bool
}

// Pages returns an iterator over the question pages updated at or after
// since.
func (c *Client) Pages(ctx context.Context, since time.Time) *Pages {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Pages{client: c, ctx: ctx, since: since}
}

// Next fetches the next page. It returns false when the sequence is
// exhausted or a page could not be fetched; Err distinguishes the two.
func (p *Pages) Next() bool {
	if p.done || p.err != nil {
		return false
	}

	if p.page == 0 {
		p.page = 1
	} else {
		if !p.cur.HasMore {
			p.done = true
			return false
		}
		if p.cur.Backoff > 0 {
			p.client.log.Debug("expensive query, waiting before next request",
				zap.Float64("backoff_seconds", p.cur.Backoff))
			sleepFunc(time.Duration(p.cur.Backoff * float64(time.Second)))
		}
		p.page++
	}

	cur, err := p.client.fetchPage(p.ctx, p.page, p.since)
	if err != nil {
		p.err = fmt.Errorf("fetch page %d: %w", p.page, err)
		return false
	}
	p.cur = cur
	if p.page == 1 {
		p.total = cur.Total
	}
	p.fetched += cur.PageSize
	p.logStatus()
	return true
}

// Page returns the page fetched by the last successful Next.
func (p *Pages) Page() *Page {
	return p.cur
}

// Err returns the first error hit while iterating.
func (p *Pages) Err() error {
	return p.err
}

func (p *Pages) logStatus() {
	p.client.log.Debug("rate limit",
		zap.Int("quota_remaining", p.cur.QuotaRemaining),
		zap.Int("quota_max", p.cur.QuotaMax))
	if p.total <= 0 {
		p.client.log.Info("no questions were found")
		return
	}
	fetched := p.fetched
	if fetched > p.total {
		fetched = p.total
	}
	p.client.log.Info("fetching questions",
		zap.Int("fetched", fetched),
		zap.Int("total", p.total))
}

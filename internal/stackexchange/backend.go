package stackexchange

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"stacktap/internal/transport"
)

const (
	// BackendName and BackendVersion identify the producer in every
	// record envelope.
	BackendName    = "stackexchange"
	BackendVersion = "0.12.1"

	// CategoryQuestion is the only category of item this backend yields.
	CategoryQuestion = "question"
)

// DefaultSince is the lower bound used when the caller supplies none:
// the Unix epoch, meaning every question the site has.
var DefaultSince = time.Unix(0, 0).UTC()

// ErrAccessTokenWithoutKey is returned when an access token is
// configured without the application key it belongs to.
var ErrAccessTokenWithoutKey = errors.New("access token requires an application key")

// Params configures a Backend.
type Params struct {
	// Site is the StackExchange site to harvest, e.g. "stackoverflow".
	Site string
	// Tagged restricts questions to these tags, semicolon separated.
	Tagged string
	// Key is the registered application key.
	Key string
	// AccessToken authenticates a user; it is only valid alongside Key.
	AccessToken string
	// PageSize is the questions requested per page, capped at 100.
	PageSize int
	// Tag labels the records produced; defaults to the origin.
	Tag string
}

// Record is one harvested question wrapped in provenance metadata.
type Record struct {
	UUID           string          `json:"uuid"`
	Origin         string          `json:"origin"`
	BackendName    string          `json:"backend_name"`
	BackendVersion string          `json:"backend_version"`
	Category       string          `json:"category"`
	Tag            string          `json:"tag"`
	Timestamp      float64         `json:"timestamp"`
	UpdatedOn      float64         `json:"updated_on"`
	SearchFields   SearchFields    `json:"search_fields"`
	Data           json.RawMessage `json:"data"`
}

// SearchFields carries the values consumers filter records by without
// opening the payload.
type SearchFields struct {
	ItemID string   `json:"item_id"`
	Tags   []string `json:"tags,omitempty"`
}

// Backend harvests question records from one StackExchange site.
type Backend struct {
	site   string
	tagged string
	tag    string
	client *Client
	log    *zap.Logger
}

// NewBackend validates params and returns a Backend fetching through
// getter. A nil log disables logging.
func NewBackend(params Params, getter transport.Getter, log *zap.Logger) (*Backend, error) {
	site := strings.TrimSpace(params.Site)
	if site == "" {
		return nil, errors.New("site is required")
	}
	if params.AccessToken != "" && params.Key == "" {
		return nil, ErrAccessTokenWithoutKey
	}
	if log == nil {
		log = zap.NewNop()
	}

	tag := strings.TrimSpace(params.Tag)
	if tag == "" {
		tag = site
	}

	b := &Backend{
		site:   site,
		tagged: params.Tagged,
		tag:    tag,
		log:    log,
	}
	b.client = NewClient(site, getter,
		WithTagged(params.Tagged),
		WithKey(params.Key),
		WithAccessToken(params.AccessToken),
		WithPageSize(params.PageSize),
		WithClientLogger(log),
	)
	return b, nil
}

// Origin returns the identifier records from this backend carry as
// their origin: the site name.
func (b *Backend) Origin() string {
	return b.site
}

// Fetch returns an iterator over question records updated at or after
// since. An empty category means CategoryQuestion; a zero since means
// DefaultSince.
func (b *Backend) Fetch(ctx context.Context, category string, since time.Time) (*Items, error) {
	if category == "" {
		category = CategoryQuestion
	}
	if category != CategoryQuestion {
		return nil, fmt.Errorf("unknown category %q", category)
	}
	if since.IsZero() {
		since = DefaultSince
	}

	b.log.Info("looking for questions",
		zap.String("site", b.site),
		zap.String("tagged", b.tagged),
		zap.Time("updated_from", since))

	return &Items{backend: b, pages: b.client.Pages(ctx, since)}, nil
}

// Items iterates the records produced by Fetch, pulling pages from the
// API as needed.
type Items struct {
	backend *Backend
	pages   *Pages
	queue   []json.RawMessage
	cur     *Record
	err     error
}

// Next advances to the next record. It returns false when the questions
// are exhausted or an error occurred; Err distinguishes the two.
func (it *Items) Next() bool {
	if it.err != nil {
		return false
	}

	for len(it.queue) == 0 {
		if !it.pages.Next() {
			it.err = it.pages.Err()
			return false
		}
		questions, err := ParseQuestions(it.pages.Page().Body)
		if err != nil {
			it.err = fmt.Errorf("parse page %d: %w", it.pages.page, err)
			return false
		}
		it.queue = questions
	}

	question := it.queue[0]
	it.queue = it.queue[1:]

	rec, err := it.backend.record(question)
	if err != nil {
		it.err = fmt.Errorf("page %d: %w", it.pages.page, err)
		return false
	}
	it.cur = rec
	return true
}

// Record returns the record produced by the last successful Next.
func (it *Items) Record() *Record {
	return it.cur
}

// Err returns the first error hit while iterating.
func (it *Items) Err() error {
	return it.err
}

func (b *Backend) record(question json.RawMessage) (*Record, error) {
	itemID, err := ItemID(question)
	if err != nil {
		return nil, err
	}
	updated, err := UpdatedOn(question)
	if err != nil {
		return nil, err
	}

	var extra struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(question, &extra); err != nil {
		return nil, &ParseError{Err: err}
	}

	return &Record{
		UUID:           recordUUID(b.site, itemID),
		Origin:         b.site,
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
		Category:       ItemCategory(question),
		Tag:            b.tag,
		Timestamp:      unixSeconds(time.Now().UTC()),
		UpdatedOn:      unixSeconds(updated),
		SearchFields:   SearchFields{ItemID: itemID, Tags: extra.Tags},
		Data:           question,
	}, nil
}

// ParseQuestions decodes one raw page body and returns its questions in
// page order. The body must be a JSON object with an items list.
func ParseQuestions(body string) ([]json.RawMessage, error) {
	var page map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &page); err != nil {
		return nil, &ParseError{Err: err}
	}
	rawItems, ok := page["items"]
	if !ok {
		return nil, &ParseError{Err: errors.New("page has no items field")}
	}
	var questions []json.RawMessage
	if err := json.Unmarshal(rawItems, &questions); err != nil {
		return nil, &ParseError{Err: err}
	}
	return questions, nil
}

// ItemID returns the identity of a question: its question_id rendered
// as a string.
func ItemID(question json.RawMessage) (string, error) {
	var q struct {
		QuestionID json.Number `json:"question_id"`
	}
	if err := json.Unmarshal(question, &q); err != nil {
		return "", &ParseError{Err: err}
	}
	if q.QuestionID == "" {
		return "", &ParseError{Err: errors.New("question has no question_id")}
	}
	return q.QuestionID.String(), nil
}

// ItemCategory returns the category of a question. This backend only
// produces one kind of item.
func ItemCategory(json.RawMessage) string {
	return CategoryQuestion
}

// UpdatedOn returns the UTC time a question was last active, keeping
// any fractional seconds the API reports.
func UpdatedOn(question json.RawMessage) (time.Time, error) {
	var q struct {
		LastActivityDate json.Number `json:"last_activity_date"`
	}
	if err := json.Unmarshal(question, &q); err != nil {
		return time.Time{}, &ParseError{Err: err}
	}
	if q.LastActivityDate == "" {
		return time.Time{}, &ParseError{Err: errors.New("question has no last_activity_date")}
	}
	secs, err := q.LastActivityDate.Float64()
	if err != nil {
		return time.Time{}, &ParseError{Err: err}
	}
	return timeFromUnix(secs), nil
}

// recordUUID derives the stable identifier of a record from its origin
// and item identity.
func recordUUID(origin, itemID string) string {
	sum := sha1.Sum([]byte(origin + ":" + itemID))
	return hex.EncodeToString(sum[:])
}

func timeFromUnix(secs float64) time.Time {
	sec := int64(secs)
	nsec := int64((secs - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

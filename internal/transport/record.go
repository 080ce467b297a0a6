package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"stacktap/internal/archive"
)

// SanitizeFunc rewrites a request tuple before it is used as an archive
// key. Implementations must return copies and leave the inputs untouched
// so the live request still carries everything it needs.
type SanitizeFunc func(rawURL string, header http.Header, params url.Values) (string, http.Header, url.Values)

// Recorder wraps a Getter and stores every successful response in an
// archive. The request is sanitized before archiving; the live request
// goes out unmodified.
type Recorder struct {
	next     Getter
	arc      *archive.Archive
	sanitize SanitizeFunc
}

// NewRecorder returns a Recorder writing to arc. A nil sanitize archives
// requests as-is.
func NewRecorder(next Getter, arc *archive.Archive, sanitize SanitizeFunc) *Recorder {
	return &Recorder{next: next, arc: arc, sanitize: sanitize}
}

// Get fetches through the wrapped Getter and archives the response.
func (r *Recorder) Get(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	resp, err := r.next.Get(ctx, rawURL, params)
	if err != nil {
		return nil, err
	}

	u, header, p := rawURL, http.Header(nil), params
	if r.sanitize != nil {
		u, header, p = r.sanitize(rawURL, nil, params)
	}
	if err := r.arc.Store(ctx, u, header, p, resp.StatusCode, resp.Body); err != nil {
		return nil, fmt.Errorf("archive page: %w", err)
	}
	return resp, nil
}

// Replayer serves responses from an archive and never touches the
// network. Requests are sanitized with the same function used while
// recording so the lookup keys match.
type Replayer struct {
	arc      *archive.Archive
	sanitize SanitizeFunc
}

// NewReplayer returns a Replayer reading from arc.
func NewReplayer(arc *archive.Archive, sanitize SanitizeFunc) *Replayer {
	return &Replayer{arc: arc, sanitize: sanitize}
}

// Get looks the request up in the archive. A stored error status is
// replayed as the StatusError the live client would have returned.
func (r *Replayer) Get(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	u, header, p := rawURL, http.Header(nil), params
	if r.sanitize != nil {
		u, header, p = r.sanitize(rawURL, nil, params)
	}

	status, body, err := r.arc.Retrieve(ctx, u, header, p)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, &StatusError{Code: status, URL: rawURL}
	}
	return &Response{StatusCode: status, Body: body}, nil
}

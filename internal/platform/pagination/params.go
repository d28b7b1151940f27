// Package pagination parses list query parameters and encodes the opaque page tokens handed back
// to clients.
package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Request is a page request as sent by a client. PageSize 0 asks for the whole listing.
// PageToken is passed through undecoded; the store that issued it decodes it.
type Request struct {
	PageSize  int
	PageToken string
}

// ParseQuery reads pageSize and pageToken from values. A pageSize above max is clamped to max;
// an omitted pageSize yields 0.
func ParseQuery(values url.Values, max int) (Request, error) {
	req := Request{PageToken: strings.TrimSpace(values.Get("pageToken"))}

	raw := strings.TrimSpace(values.Get("pageSize"))
	if raw == "" {
		return req, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return Request{}, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if size < 0 {
		return Request{}, fmt.Errorf("%w: must not be negative", ErrInvalidPageSize)
	}
	if max > 0 && size > max {
		size = max
	}
	req.PageSize = size
	return req, nil
}

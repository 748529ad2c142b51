package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset query parameters, clamping limit to
// [1, MaxLimit].
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Probe is the limit to request from storage: one extra row tells whether
// another page exists.
func (p Params) Probe() int { return p.Limit + 1 }

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int { return p.Offset + p.Limit }

// Response wraps a page of results.
type Response[T any] struct {
	Data       []T  `json:"data"`
	Count      int  `json:"count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// NewResponse builds a page from items fetched with p.Probe().
func NewResponse[T any](items []T, p Params) *Response[T] {
	if items == nil {
		items = []T{}
	}
	r := &Response[T]{Limit: p.Limit, Offset: p.Offset}
	if len(items) > p.Limit {
		items = items[:p.Limit]
		r.HasMore = true
		next := p.NextOffset()
		r.NextOffset = &next
	}
	r.Data = items
	r.Count = len(items)
	return r
}

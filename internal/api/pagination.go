package api

import (
	"fmt"
	"net/url"
	"strconv"
)

// Page sizes for list endpoints.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// pager is the slice of a key listing a request asks for.
type pager struct {
	limit  int
	offset int
}

// pagerFrom reads ?limit and ?offset. A missing or zero limit means
// DefaultLimit.
func pagerFrom(q url.Values) (pager, error) {
	limit, err := queryInt(q, "limit", MaxLimit)
	if err != nil {
		return pager{}, err
	}
	offset, err := queryInt(q, "offset", 0)
	if err != nil {
		return pager{}, err
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	return pager{limit: limit, offset: offset}, nil
}

// queryInt parses a non-negative integer parameter, 0 when absent. A
// positive max bounds it.
func queryInt(q url.Values, name string, max int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s must be an integer", name)
	case n < 0:
		return 0, fmt.Errorf("%s must not be negative", name)
	case max > 0 && n > max:
		return 0, fmt.Errorf("%s exceeds maximum of %d", name, max)
	}
	return n, nil
}

// window bounds the page within a listing of n keys.
func (p pager) window(n int) (from, to int) {
	from = min(p.offset, n)
	return from, min(from+p.limit, n)
}

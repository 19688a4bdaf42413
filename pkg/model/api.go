package model

import (
	"net/url"
	"strconv"
	"time"
)

// Response is the envelope around every REST payload of the run service.
// Exactly one of Data and Error is set.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination describes one page of a run or draft listing.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Listing page sizes.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListOptions selects a page of runs or drafts, newest first.
type ListOptions struct {
	Limit  int
	Offset int
	// Status keeps only runs in this state. Draft listings ignore it.
	Status RunStatus
}

// DefaultListOptions is the first page at the default size.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: DefaultListLimit}
}

// Normalized returns o with the page bounded to [1, MaxListLimit] items and
// a non-negative offset.
func (o ListOptions) Normalized() ListOptions {
	switch {
	case o.Limit <= 0:
		o.Limit = DefaultListLimit
	case o.Limit > MaxListLimit:
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Query encodes o as the limit, offset and state parameters of a listing
// request. Zero values are omitted.
func (o ListOptions) Query() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Status != "" {
		q.Set("state", string(o.Status))
	}
	return q
}

// ParseListOptions reads a listing request. State names are matched
// case-insensitively; a state no run can be in is a user error rather than
// an empty page.
func ParseListOptions(q url.Values) (ListOptions, error) {
	opts := DefaultListOptions()
	for _, p := range []struct {
		key string
		dst *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return ListOptions{}, NewUserError("%s must be an integer, got %q", p.key, v)
		}
		*p.dst = n
	}
	if s := q.Get("state"); s != "" {
		st := ParseRunStatus(s)
		if !st.IsKnown() {
			return ListOptions{}, NewUserError("unknown run state %q", s)
		}
		opts.Status = st
	}
	return opts.Normalized(), nil
}

// Page computes the pagination block for n items returned out of total.
func (o ListOptions) Page(total, n int) *Pagination {
	return &Pagination{
		Total:   total,
		Limit:   o.Limit,
		Offset:  o.Offset,
		HasMore: o.Offset+n < total,
	}
}

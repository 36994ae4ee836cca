package bucket

import (
	"bytes"
	"net/http"
)

// ResponseType describes how much of a response the agent may read.
type ResponseType string

const (
	// TypeBasic is a same-origin response with readable headers and body.
	TypeBasic ResponseType = "basic"

	// TypeCORS is a cross-origin response the origin opted into sharing.
	TypeCORS ResponseType = "cors"

	// TypeOpaque is a cross-origin response with no readable status, headers, or body.
	TypeOpaque ResponseType = "opaque"

	// TypeError is a network error surfaced as a response.
	TypeError ResponseType = "error"
)

// Response is a fully buffered response snapshot.
//
// Because the body is buffered, a Response can be cloned any number of times:
// one copy is handed to the requester while another is stored.
type Response struct {
	URL        string
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Type       ResponseType
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	return &c
}

// ContentType returns the Content-Type header, or application/octet-stream.
func (r *Response) ContentType() string {
	if r != nil {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

package nntp

import (
	"strings"

	"github.com/newsreap/newsreap/internal/codec"
	"github.com/newsreap/newsreap/internal/content"
)

// Response is the outcome of one NNTP command: the status code and text, the
// unclaimed body lines, and whatever the decoder chain produced.
type Response struct {
	code     int
	codeText string
	body     strings.Builder
	header   codec.Header
	contents []*content.Content
}

func (r *Response) Code() int          { return r.code }
func (r *Response) CodeString() string { return r.codeText }

// Body returns the lines no decoder claimed, verbatim.
func (r *Response) Body() string { return r.body.String() }

func (r *Response) Header() codec.Header { return r.header }

// Contents returns the decoded payloads in the order the decoders emitted
// them.
func (r *Response) Contents() []*content.Content { return r.contents }

// Release drops all decoded contents, deleting attached backing files.
func (r *Response) Release() {
	for _, c := range r.contents {
		c.Release()
	}
	r.contents = nil
}

// IsSuccess reports a 2xx or 3xx status.
func (r *Response) IsSuccess() bool { return r.code >= 200 && r.code < 400 }

func (r *Response) String() string { return r.codeText }

package nntp

import "errors"

// ErrNotConnected is returned when a command is issued before Connect or
// after Close.
var ErrNotConnected = errors.New("not connected")

// ErrAuthFailed is returned when the server rejects AUTHINFO credentials.
var ErrAuthFailed = errors.New("authentication failed")

// ErrNoSuchArticle marks a protocol miss (423/430). It is not a transport
// failure; callers consult backups and treat it as "absent", not broken.
var ErrNoSuchArticle = errors.New("no such article")

// ErrNoSuchGroup is returned when GROUP selection fails (411).
var ErrNoSuchGroup = errors.New("no such group")

// ErrFetch is a transient fetch failure: an incomplete multi-line body or a
// gzip stream that would not decompress. Retryable after a decoder reset.
var ErrFetch = errors.New("fetch failed")

// ErrBadResponse means the server answered with something unparseable or
// with an unexpected code.
var ErrBadResponse = errors.New("bad response")

// ErrConnectionLost means the peer went away mid-conversation.
var ErrConnectionLost = errors.New("connection lost")

// ErrServerError marks a 5xx answer; the connection is considered poisoned
// and gets closed before failover.
var ErrServerError = errors.New("server error")

// ErrPostRejected is returned when the server answers 441 to a finished
// POST, or 440 to the POST request itself.
var ErrPostRejected = errors.New("post rejected")

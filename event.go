package offline

import (
	"context"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/meigma/offline/bucket"
)

// EventKind tags the events an Agent handles.
type EventKind uint8

// Event kinds delivered by the host.
const (
	EventInstall EventKind = iota + 1
	EventActivate
	EventFetch
	EventPush
	EventNotificationClick
	EventSync
	EventError
	EventUnhandledRejection
)

var eventNames = map[EventKind]string{
	EventInstall:            "install",
	EventActivate:           "activate",
	EventFetch:              "fetch",
	EventPush:               "push",
	EventNotificationClick:  "notificationclick",
	EventSync:               "sync",
	EventError:              "error",
	EventUnhandledRejection: "unhandledrejection",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a notification delivered to an Agent.
type Event interface {
	Kind() EventKind
}

// extendable is implemented by events whose lifetime handlers may extend.
type extendable interface {
	Event
	bind(*Lifetime)
}

// Extendable carries the lifetime handle of a dispatched event.
// It is embedded in every event that supports WaitUntil.
type Extendable struct {
	life *Lifetime
}

func (e *Extendable) bind(l *Lifetime) {
	e.life = l
}

// WaitUntil extends the event's lifetime until fn returns.
//
// fn runs in its own goroutine with the lifetime's context. Dispatch does not
// return before every extension has finished; the first extension error
// cancels the others and is returned from Dispatch.
func (e *Extendable) WaitUntil(fn func(context.Context) error) error {
	if e.life == nil {
		return ErrNotDispatched
	}
	return e.life.Extend(fn)
}

// InstallEvent asks the agent to provision its cache.
type InstallEvent struct {
	Extendable
}

// Kind implements Event.
func (*InstallEvent) Kind() EventKind { return EventInstall }

// ActivateEvent asks the agent to migrate caches and take control.
type ActivateEvent struct {
	Extendable
}

// Kind implements Event.
func (*ActivateEvent) Kind() EventKind { return EventActivate }

// Destination is the kind of resource a request is for, as reported by the
// Sec-Fetch-Dest request header.
type Destination string

// Destinations the agent distinguishes.
const (
	DestinationEmpty    Destination = ""
	DestinationDocument Destination = "document"
)

// DestinationOf classifies req.
//
// The Sec-Fetch-Dest header wins when present. Otherwise a navigation
// (Sec-Fetch-Mode: navigate) or a GET whose Accept header leads with
// text/html is a document request.
func DestinationOf(req *http.Request) Destination {
	if req == nil {
		return DestinationEmpty
	}
	if d := req.Header.Get("Sec-Fetch-Dest"); d != "" {
		return Destination(strings.ToLower(d))
	}
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return DestinationDocument
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return DestinationEmpty
	}
	first, _, _ := strings.Cut(req.Header.Get("Accept"), ",")
	if mt, _, err := mime.ParseMediaType(strings.TrimSpace(first)); err == nil && mt == "text/html" {
		return DestinationDocument
	}
	return DestinationEmpty
}

// FetchEvent carries an intercepted request.
type FetchEvent struct {
	Extendable

	Request     *http.Request
	Destination Destination

	mu        sync.Mutex
	responded bool
	response  *bucket.Response
	err       error
}

// NewFetchEvent returns a fetch event for req with its destination classified.
func NewFetchEvent(req *http.Request) *FetchEvent {
	return &FetchEvent{Request: req, Destination: DestinationOf(req)}
}

// Kind implements Event.
func (*FetchEvent) Kind() EventKind { return EventFetch }

// RespondWith settles the response for the request. It may be called once.
func (e *FetchEvent) RespondWith(resp *bucket.Response, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.responded {
		return ErrAlreadyResponded
	}
	e.responded = true
	e.response = resp
	e.err = err
	return nil
}

// Responded reports whether a handler called RespondWith.
func (e *FetchEvent) Responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responded
}

// Result returns what the handler responded with.
func (e *FetchEvent) Result() (*bucket.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response, e.err
}

// PushEvent carries a push message. Data is nil when the message had no payload.
type PushEvent struct {
	Extendable

	Data []byte
}

// Kind implements Event.
func (*PushEvent) Kind() EventKind { return EventPush }

// NotificationClickEvent reports a click on a shown notification.
// Action is empty when the notification body itself was clicked.
type NotificationClickEvent struct {
	Extendable

	Notification Notification
	Action       string
}

// Kind implements Event.
func (*NotificationClickEvent) Kind() EventKind { return EventNotificationClick }

// SyncEvent asks the agent to run a background sync job.
type SyncEvent struct {
	Extendable

	Tag string
	// LastChance is set when the host will not retry after this attempt.
	LastChance bool
}

// Kind implements Event.
func (*SyncEvent) Kind() EventKind { return EventSync }

// ErrorEvent reports an uncaught error.
type ErrorEvent struct {
	Err error
}

// Kind implements Event.
func (*ErrorEvent) Kind() EventKind { return EventError }

// RejectionEvent reports an asynchronous failure nobody waited for.
type RejectionEvent struct {
	Reason error

	prevented atomic.Bool
}

// Kind implements Event.
func (*RejectionEvent) Kind() EventKind { return EventUnhandledRejection }

// PreventDefault marks the rejection handled so the host does not report it.
func (e *RejectionEvent) PreventDefault() {
	e.prevented.Store(true)
}

// DefaultPrevented reports whether PreventDefault was called.
func (e *RejectionEvent) DefaultPrevented() bool {
	return e.prevented.Load()
}

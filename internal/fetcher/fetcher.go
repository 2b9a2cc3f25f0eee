package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpalmerr/feedwatch/internal/feed"
)

// Fetcher performs remote lookups for monitored entities. Timeouts are
// carried by ctx. Implementations must be safe for concurrent use.
type Fetcher interface {
	// Probe returns when the entity was last active.
	Probe(ctx context.Context, entity string) (Activity, error)

	// FetchDetails returns the entity's two raw activity streams.
	FetchDetails(ctx context.Context, entity string) (Details, error)

	// Resolve turns a numeric user reference into a fetchable name.
	Resolve(ctx context.Context, ref string) (string, error)
}

// Activity is the result of a liveness probe.
type Activity struct {
	Entity string

	// LastActivityAt is zero when the remote side reports no activity.
	LastActivityAt time.Time
}

// RawRecord is one item of a raw stream, already mapped to field names
// common to both streams.
type RawRecord struct {
	NativeID      string
	TopicID       int
	PostNumber    int
	CreatedAt     time.Time
	Kind          feed.Kind
	Actor         string
	Target        string
	Excerpt       string
	LinkRef       string
	ReactionValue string
}

// Record converts r into the common record shape of entity.
func (r RawRecord) Record(entity string) feed.ActionRecord {
	return feed.ActionRecord{
		ID:            feed.RecordID(r.NativeID, r.TopicID, r.PostNumber),
		EntityID:      entity,
		CreatedAt:     r.CreatedAt,
		Kind:          r.Kind,
		Actor:         r.Actor,
		Target:        r.Target,
		Excerpt:       r.Excerpt,
		LinkRef:       r.LinkRef,
		ReactionValue: r.ReactionValue,
	}
}

// Details holds the two raw streams of one entity.
type Details struct {
	Actions   []RawRecord
	Reactions []RawRecord
}

// Records converts both streams of entity into common records.
func (d Details) Records(entity string) (actions, reactions []feed.ActionRecord) {
	actions = make([]feed.ActionRecord, 0, len(d.Actions))
	for _, r := range d.Actions {
		actions = append(actions, r.Record(entity))
	}
	reactions = make([]feed.ActionRecord, 0, len(d.Reactions))
	for _, r := range d.Reactions {
		reactions = append(reactions, r.Record(entity))
	}
	return actions, reactions
}

// ErrorKind classifies a lookup failure.
type ErrorKind int

const (
	Timeout ErrorKind = iota + 1
	RateLimited
	ServerError
	NetworkError
	ParseError
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case RateLimited:
		return "rate_limited"
	case ServerError:
		return "server_error"
	case NetworkError:
		return "network_error"
	case ParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// Error is the failure of a remote lookup.
type Error struct {
	Kind ErrorKind

	// RetryAfter is the cooldown named by a rate-limit response, if any.
	RetryAfter time.Duration

	// Status is the HTTP status code, when a response was received.
	Status int

	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s, retry after %s", msg, e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err. Errors that are not an [*Error] count as
// NetworkError.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return NetworkError
}

// RetryAfterOf returns the explicit cooldown carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == RateLimited {
		return fe.RetryAfter
	}
	return 0
}

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jpalmerr/feedwatch/internal/feed"
)

// Discourse user action types requested from user_actions.json.
const (
	actionLike  = 1
	actionPost  = 4
	actionReply = 5
)

// ErrUnresolved is returned by Resolve when no user matches a reference.
var ErrUnresolved = errors.New("reference could not be resolved")

// HTTP implements [Fetcher] against the JSON API of a Discourse forum.
type HTTP struct {
	base   string
	limit  int
	client *Client
	logger *slog.Logger
}

// NewHTTP creates an [HTTP] fetcher for the forum at baseURL, requesting
// limit records per stream and sending headers with every request.
func NewHTTP(baseURL string, limit int, headers map[string]string, logger *slog.Logger) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid forum url %q", baseURL)
	}
	if limit <= 0 {
		limit = feed.DefaultRetention
	}
	return &HTTP{
		base:   strings.TrimRight(baseURL, "/"),
		limit:  limit,
		client: NewClient(headers),
		logger: logger.With("component", "fetcher"),
	}, nil
}

// Close releases pooled connections.
func (h *HTTP) Close() {
	h.client.Close()
}

type userResponse struct {
	User struct {
		Username     string     `json:"username"`
		LastPostedAt *time.Time `json:"last_posted_at"`
		LastSeenAt   *time.Time `json:"last_seen_at"`
	} `json:"user"`
}

// Probe reads the public profile and reports the later of the last post
// and last seen timestamps.
func (h *HTTP) Probe(ctx context.Context, entity string) (Activity, error) {
	var body userResponse
	if err := h.getJSON(ctx, h.base+"/u/"+url.PathEscape(entity)+".json", &body); err != nil {
		return Activity{}, err
	}

	a := Activity{Entity: entity}
	for _, t := range []*time.Time{body.User.LastPostedAt, body.User.LastSeenAt} {
		if t != nil && t.After(a.LastActivityAt) {
			a.LastActivityAt = *t
		}
	}
	return a, nil
}

type userAction struct {
	ID             int64     `json:"id"`
	ActionType     int       `json:"action_type"`
	CreatedAt      time.Time `json:"created_at"`
	Username       string    `json:"username"`
	ActingUsername string    `json:"acting_username"`
	TopicID        int       `json:"topic_id"`
	PostNumber     int       `json:"post_number"`
	Excerpt        string    `json:"excerpt"`
}

type userActionsResponse struct {
	UserActions []userAction `json:"user_actions"`
}

type reactionItem struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	User      struct {
		Username string `json:"username"`
	} `json:"user"`
	Post struct {
		TopicID    int    `json:"topic_id"`
		PostNumber int    `json:"post_number"`
		Excerpt    string `json:"excerpt"`
		Username   string `json:"username"`
		User       struct {
			Username string `json:"username"`
		} `json:"user"`
	} `json:"post"`
	Reaction struct {
		ReactionValue string `json:"reaction_value"`
	} `json:"reaction"`
}

// FetchDetails requests the entity's posts, replies and likes, then its
// reactions.
func (h *HTTP) FetchDetails(ctx context.Context, entity string) (Details, error) {
	q := url.Values{}
	q.Set("offset", "0")
	q.Set("limit", strconv.Itoa(h.limit))
	q.Set("username", entity)

	actionsQuery := url.Values{}
	for k, v := range q {
		actionsQuery[k] = v
	}
	actionsQuery.Set("filter", fmt.Sprintf("%d,%d,%d", actionLike, actionPost, actionReply))

	var actions userActionsResponse
	if err := h.getJSON(ctx, h.base+"/user_actions.json?"+actionsQuery.Encode(), &actions); err != nil {
		return Details{}, err
	}

	var reactions []reactionItem
	if err := h.getJSON(ctx, h.base+"/discourse-reactions/posts/reactions.json?"+q.Encode(), &reactions); err != nil {
		return Details{}, err
	}

	d := Details{
		Actions:   make([]RawRecord, 0, len(actions.UserActions)),
		Reactions: make([]RawRecord, 0, len(reactions)),
	}
	for _, a := range actions.UserActions {
		r := RawRecord{
			TopicID:    a.TopicID,
			PostNumber: a.PostNumber,
			CreatedAt:  a.CreatedAt,
			Actor:      a.ActingUsername,
			Target:     a.Username,
			Excerpt:    a.Excerpt,
			LinkRef:    h.link(a.TopicID, a.PostNumber),
		}
		if a.ID != 0 {
			r.NativeID = strconv.FormatInt(a.ID, 10)
		}
		switch a.ActionType {
		case actionLike:
			// likes list the liked post's author as the user
			r.Kind = feed.KindLike
			r.Actor, r.Target = a.Username, a.ActingUsername
		case actionPost:
			r.Kind = feed.KindPost
		case actionReply:
			r.Kind = feed.KindReply
		default:
			continue
		}
		d.Actions = append(d.Actions, r)
	}
	for _, it := range reactions {
		target := it.Post.User.Username
		if target == "" {
			target = it.Post.Username
		}
		r := RawRecord{
			TopicID:       it.Post.TopicID,
			PostNumber:    it.Post.PostNumber,
			CreatedAt:     it.CreatedAt,
			Kind:          feed.KindReaction,
			Actor:         it.User.Username,
			Target:        target,
			Excerpt:       it.Post.Excerpt,
			LinkRef:       h.link(it.Post.TopicID, it.Post.PostNumber),
			ReactionValue: it.Reaction.ReactionValue,
		}
		if it.ID != 0 {
			r.NativeID = strconv.FormatInt(it.ID, 10)
		}
		d.Reactions = append(d.Reactions, r)
	}
	return d, nil
}

type searchResponse struct {
	Posts []struct {
		Username string `json:"username"`
	} `json:"posts"`
}

// Resolve finds the username behind a numeric user id through the forum
// search.
func (h *HTTP) Resolve(ctx context.Context, ref string) (string, error) {
	q := url.Values{}
	q.Set("q", "user:"+ref+" order:latest_topic")
	q.Set("page", "1")

	var body searchResponse
	if err := h.getJSON(ctx, h.base+"/search.json?"+q.Encode(), &body); err != nil {
		return "", err
	}
	if len(body.Posts) == 0 || body.Posts[0].Username == "" {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, ref)
	}
	return body.Posts[0].Username, nil
}

func (h *HTTP) link(topicID, postNumber int) string {
	if topicID == 0 {
		return ""
	}
	return fmt.Sprintf("%s/t/%d/%d", h.base, topicID, postNumber)
}

// getJSON fetches endpoint and decodes the body into dst, classifying every
// failure into an [*Error].
func (h *HTTP) getJSON(ctx context.Context, endpoint string, dst any) error {
	resp := h.client.Get(ctx, endpoint)
	if err := classify(resp); err != nil {
		h.logger.Debug("request failed", "url", endpoint, "error", err, "latency", resp.Latency)
		return err
	}
	if err := json.Unmarshal(resp.Body, dst); err != nil {
		return &Error{Kind: ParseError, Status: resp.StatusCode, Err: err}
	}
	return nil
}

// classify maps a response to an [*Error], or nil for a 2xx response.
func classify(resp Response) error {
	if resp.Error != nil {
		if isTimeout(resp.Error) {
			return &Error{Kind: Timeout, Err: resp.Error}
		}
		return &Error{Kind: NetworkError, Status: resp.StatusCode, Err: resp.Error}
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header)
		if wait == 0 {
			_, wait = parseRateLimitBody(resp.Body)
		}
		return &Error{Kind: RateLimited, Status: status, RetryAfter: wait}
	case status >= 500:
		return &Error{Kind: ServerError, Status: status}
	}

	if limited, wait := parseRateLimitBody(resp.Body); limited {
		if hw := parseRetryAfter(resp.Header); hw > 0 {
			wait = hw
		}
		return &Error{Kind: RateLimited, Status: status, RetryAfter: wait}
	}
	return &Error{Kind: ServerError, Status: status, Err: fmt.Errorf("unexpected status %d", status)}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

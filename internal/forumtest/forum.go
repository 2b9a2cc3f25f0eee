// Package forumtest provides an in-memory forum serving the subset of the
// Discourse JSON API that feedwatch reads, for tests and demos.
package forumtest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Discourse action types.
const (
	actionLike  = 1
	actionPost  = 4
	actionReply = 5
)

type action struct {
	ID             int64     `json:"id"`
	ActionType     int       `json:"action_type"`
	CreatedAt      time.Time `json:"created_at"`
	Username       string    `json:"username"`
	ActingUsername string    `json:"acting_username"`
	TopicID        int       `json:"topic_id"`
	PostNumber     int       `json:"post_number"`
	Excerpt        string    `json:"excerpt"`
}

type user struct {
	id         int
	lastPosted time.Time
	actions    []action // newest first
}

// Forum is an [http.Handler] that serves user profiles, user actions, an
// empty reactions stream and user search.
type Forum struct {
	mu        sync.Mutex
	users     map[string]*user
	nextID    int64
	nextTopic int
	retryIn   time.Duration
	now       func() time.Time

	requests atomic.Int64
}

// New creates an empty [Forum].
func New() *Forum {
	return &Forum{
		users:     make(map[string]*user),
		nextID:    1000,
		nextTopic: 100,
		now:       time.Now,
	}
}

// AddUser registers name and returns its numeric id.
func (f *Forum) AddUser(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[name]; ok {
		return u.id
	}
	u := &user{id: len(f.users) + 1}
	f.users[name] = u
	return u.id
}

// Users returns the registered user names.
func (f *Forum) Users() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.users))
	for n := range f.users {
		names = append(names, n)
	}
	return names
}

// Post records a new topic by name and returns the action id. Unknown
// users are registered first.
func (f *Forum) Post(name, excerpt string) int64 {
	f.AddUser(name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTopic++
	return f.add(name, action{
		ActionType:     actionPost,
		Username:       name,
		ActingUsername: name,
		TopicID:        f.nextTopic,
		PostNumber:     1,
		Excerpt:        excerpt,
	})
}

// Like records name liking a post of author.
func (f *Forum) Like(name, author string) int64 {
	f.AddUser(name)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add(name, action{
		ActionType:     actionLike,
		Username:       author,
		ActingUsername: name,
		TopicID:        f.nextTopic,
		PostNumber:     1,
	})
}

func (f *Forum) add(name string, a action) int64 {
	u := f.users[name]
	f.nextID++
	a.ID = f.nextID
	a.CreatedAt = f.now().UTC()
	u.lastPosted = a.CreatedAt
	u.actions = append([]action{a}, u.actions...)
	return a.ID
}

// RateLimit makes every request fail with 429 and the given Retry-After
// until it is called with zero.
func (f *Forum) RateLimit(retryIn time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryIn = retryIn
}

// Requests returns the number of requests served so far.
func (f *Forum) Requests() int64 {
	return f.requests.Load()
}

// ServeHTTP implements [http.Handler].
func (f *Forum) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Inc()

	f.mu.Lock()
	retryIn := f.retryIn
	f.mu.Unlock()
	if retryIn > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryIn/time.Second)))
		http.Error(w, `{"errors":["too many requests"]}`, http.StatusTooManyRequests)
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/u/") && strings.HasSuffix(r.URL.Path, ".json"):
		f.serveUser(w, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/u/"), ".json"))
	case r.URL.Path == "/user_actions.json":
		f.serveActions(w, r)
	case r.URL.Path == "/discourse-reactions/posts/reactions.json":
		writeJSON(w, []any{})
	case r.URL.Path == "/search.json":
		f.serveSearch(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *Forum) serveUser(w http.ResponseWriter, name string) {
	f.mu.Lock()
	u, ok := f.users[name]
	var body map[string]any
	if ok {
		profile := map[string]any{"username": name}
		if !u.lastPosted.IsZero() {
			profile["last_posted_at"] = u.lastPosted
		}
		body = map[string]any{"user": profile}
	}
	f.mu.Unlock()

	if !ok {
		http.Error(w, `{"errors":["not found"]}`, http.StatusNotFound)
		return
	}
	writeJSON(w, body)
}

func (f *Forum) serveActions(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("username")
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 30
	}

	f.mu.Lock()
	var out []action
	if u, ok := f.users[name]; ok {
		n := min(limit, len(u.actions))
		out = append(out, u.actions[:n]...)
	}
	f.mu.Unlock()

	if out == nil {
		out = []action{}
	}
	writeJSON(w, map[string]any{"user_actions": out})
}

// serveSearch answers "user:<id>" queries with one post of that user.
func (f *Forum) serveSearch(w http.ResponseWriter, r *http.Request) {
	var ref string
	for _, term := range strings.Fields(r.URL.Query().Get("q")) {
		if strings.HasPrefix(term, "user:") {
			ref = strings.TrimPrefix(term, "user:")
		}
	}
	id, _ := strconv.Atoi(ref)

	posts := []map[string]string{}
	f.mu.Lock()
	for name, u := range f.users {
		if u.id == id {
			posts = append(posts, map[string]string{"username": name})
		}
	}
	f.mu.Unlock()

	writeJSON(w, map[string]any{"posts": posts})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

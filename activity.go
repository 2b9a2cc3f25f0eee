package feedwatch

import (
	"time"

	"github.com/jpalmerr/feedwatch/internal/election"
	"github.com/jpalmerr/feedwatch/internal/feed"
)

// Kind classifies an [Activity].
type Kind string

const (
	// KindPost is a new topic or post written by the entity.
	KindPost Kind = "post"

	// KindReply is a reply written by the entity.
	KindReply Kind = "reply"

	// KindLike is a like given by the entity. Actor is the entity and
	// Target is the author of the liked post.
	KindLike Kind = "like"

	// KindReaction is an emoji reaction given by the entity.
	KindReaction Kind = "reaction"
)

// Activity is one new action of a monitored entity, delivered to callbacks
// registered with [WithNewActionCallback].
//
// Each Activity is delivered at most once per process, no matter how many
// instances announce it.
type Activity struct {
	// ID is stable across polls and instances.
	ID string

	// Entity is the monitored user the activity belongs to.
	Entity string

	Kind      Kind
	CreatedAt time.Time
	Actor     string
	Target    string
	Excerpt   string

	// Link is the forum URL of the post the activity refers to.
	Link string

	// Reaction is the emoji name for [KindReaction].
	Reaction string
}

func toActivity(r feed.ActionRecord) Activity {
	return Activity{
		ID:        r.ID,
		Entity:    r.EntityID,
		Kind:      Kind(r.Kind),
		CreatedAt: r.CreatedAt,
		Actor:     r.Actor,
		Target:    r.Target,
		Excerpt:   r.Excerpt,
		Link:      r.LinkRef,
		Reaction:  r.ReactionValue,
	}
}

// Role is the part an instance plays in the group.
type Role string

const (
	RoleElecting Role = "electing"
	RoleFollower Role = "follower"
	RoleLeader   Role = "leader"
)

func toRole(r election.Role) Role {
	return Role(r.String())
}

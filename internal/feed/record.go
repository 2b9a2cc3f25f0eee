package feed

import (
	"strconv"
	"time"
)

// DefaultRetention is the number of records kept per entity.
const DefaultRetention = 15

// Kind classifies an [ActionRecord].
type Kind string

const (
	KindPost     Kind = "post"
	KindReply    Kind = "reply"
	KindLike     Kind = "like"
	KindReaction Kind = "reaction"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPost, KindReply, KindLike, KindReaction:
		return true
	}
	return false
}

// ActionRecord is one normalized activity item of a monitored entity.
type ActionRecord struct {
	ID        string    `json:"id" msgpack:"id"`
	EntityID  string    `json:"entity_id" msgpack:"entity_id"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	Kind      Kind      `json:"kind" msgpack:"kind"`
	Actor     string    `json:"actor" msgpack:"actor"`
	Target    string    `json:"target,omitempty" msgpack:"target,omitempty"`
	Excerpt   string    `json:"excerpt,omitempty" msgpack:"excerpt,omitempty"`
	LinkRef   string    `json:"link_ref,omitempty" msgpack:"link_ref,omitempty"`

	// ReactionValue is the emoji name for KindReaction records.
	ReactionValue string `json:"reaction_value,omitempty" msgpack:"reaction_value,omitempty"`
}

// Equal compares two records field by field, using time.Equal for CreatedAt
// so that values decoded from the wire compare equal to their source.
func (r ActionRecord) Equal(o ActionRecord) bool {
	return r.ID == o.ID &&
		r.EntityID == o.EntityID &&
		r.CreatedAt.Equal(o.CreatedAt) &&
		r.Kind == o.Kind &&
		r.Actor == o.Actor &&
		r.Target == o.Target &&
		r.Excerpt == o.Excerpt &&
		r.LinkRef == o.LinkRef &&
		r.ReactionValue == o.ReactionValue
}

// RecordID returns the stable identifier of a record: the native id when the
// source provides one, otherwise "<topicID>_<postNumber>".
func RecordID(nativeID string, topicID, postNumber int) string {
	if nativeID != "" && nativeID != "0" {
		return nativeID
	}
	return strconv.Itoa(topicID) + "_" + strconv.Itoa(postNumber)
}

package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jpalmerr/feedwatch/internal/feed"
	"github.com/jpalmerr/feedwatch/internal/state"
)

// Kind tags the payload of an [Envelope].
type Kind string

const (
	KindLeaderCheck    Kind = "leader_check"
	KindLeaderHere     Kind = "leader_here"
	KindLeaderResign   Kind = "leader_resign"
	KindLeaderTakeover Kind = "leader_takeover"
	KindDataRequest    Kind = "data_request"
	KindDataUpdate     Kind = "data_update"
	KindNewAction      Kind = "new_action"
	KindAddEntity      Kind = "cmd_add_entity"
	KindRemoveEntity   Kind = "cmd_remove_entity"
	KindRefreshEntity  Kind = "cmd_refresh_entity"
	KindRefreshAll     Kind = "cmd_refresh_all"
	KindConfigSync     Kind = "cmd_config_sync"
)

// ErrInvalidMessage wraps every validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// Message is implemented by the payload types of this package only.
type Message interface {
	Kind() Kind
	validate() error
}

// Command is a message a follower forwards to the leader.
type Command interface {
	Message
	command()
}

// LeaderCheck asks whether a leader exists.
type LeaderCheck struct{}

// LeaderHere announces a leader, both as a reply to LeaderCheck and as a
// periodic heartbeat.
type LeaderHere struct {
	// Since is when the sender became leader.
	Since time.Time `msgpack:"since"`
}

// LeaderResign is sent by a leader that is shutting down.
type LeaderResign struct{}

// LeaderTakeover is sent by a follower promoting itself.
type LeaderTakeover struct {
	Since time.Time `msgpack:"since"`
}

// DataRequest asks the leader to publish its snapshot.
type DataRequest struct{}

// DataUpdate carries a full snapshot.
type DataUpdate struct {
	Snapshot state.Snapshot `msgpack:"snapshot"`
}

// NewAction carries one newly observed record.
type NewAction struct {
	Record feed.ActionRecord `msgpack:"record"`
}

// AddEntity asks the leader to start monitoring Entity.
type AddEntity struct {
	Entity string `msgpack:"entity"`
}

// RemoveEntity asks the leader to stop monitoring Entity.
type RemoveEntity struct {
	Entity string `msgpack:"entity"`
}

// RefreshEntity asks the leader to poll Entity now.
type RefreshEntity struct {
	Entity string `msgpack:"entity"`
}

// RefreshAll asks the leader for a paced sweep over every entity.
type RefreshAll struct{}

// FlagHidden is the ConfigSync flag that hides or shows one entity.
const FlagHidden = "hidden"

// ConfigSync changes a replicated switch: a toggle by name, or the hidden
// state of Entity when Flag is FlagHidden.
type ConfigSync struct {
	Flag    string `msgpack:"flag"`
	Entity  string `msgpack:"entity,omitempty"`
	Enabled bool   `msgpack:"enabled"`
}

func (LeaderCheck) Kind() Kind    { return KindLeaderCheck }
func (LeaderHere) Kind() Kind     { return KindLeaderHere }
func (LeaderResign) Kind() Kind   { return KindLeaderResign }
func (LeaderTakeover) Kind() Kind { return KindLeaderTakeover }
func (DataRequest) Kind() Kind    { return KindDataRequest }
func (DataUpdate) Kind() Kind     { return KindDataUpdate }
func (NewAction) Kind() Kind      { return KindNewAction }
func (AddEntity) Kind() Kind      { return KindAddEntity }
func (RemoveEntity) Kind() Kind   { return KindRemoveEntity }
func (RefreshEntity) Kind() Kind  { return KindRefreshEntity }
func (RefreshAll) Kind() Kind     { return KindRefreshAll }
func (ConfigSync) Kind() Kind     { return KindConfigSync }

func (AddEntity) command()     {}
func (RemoveEntity) command()  {}
func (RefreshEntity) command() {}
func (RefreshAll) command()    {}
func (ConfigSync) command()    {}

func (LeaderCheck) validate() error  { return nil }
func (LeaderResign) validate() error { return nil }
func (DataRequest) validate() error  { return nil }
func (RefreshAll) validate() error   { return nil }

func (m LeaderHere) validate() error {
	if m.Since.IsZero() {
		return fmt.Errorf("%w: leader_here without since", ErrInvalidMessage)
	}
	return nil
}

func (m LeaderTakeover) validate() error {
	if m.Since.IsZero() {
		return fmt.Errorf("%w: leader_takeover without since", ErrInvalidMessage)
	}
	return nil
}

func (m DataUpdate) validate() error {
	seen := make(map[string]struct{}, len(m.Snapshot.Entities))
	for _, id := range m.Snapshot.Entities {
		if id == "" {
			return fmt.Errorf("%w: empty entity id in snapshot", ErrInvalidMessage)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate entity %q in snapshot", ErrInvalidMessage, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (m NewAction) validate() error {
	switch {
	case m.Record.ID == "":
		return fmt.Errorf("%w: record without id", ErrInvalidMessage)
	case m.Record.EntityID == "":
		return fmt.Errorf("%w: record %s without entity", ErrInvalidMessage, m.Record.ID)
	case !m.Record.Kind.Valid():
		return fmt.Errorf("%w: record %s has kind %q", ErrInvalidMessage, m.Record.ID, m.Record.Kind)
	}
	return nil
}

func (m AddEntity) validate() error     { return validEntity(m.Entity) }
func (m RemoveEntity) validate() error  { return validEntity(m.Entity) }
func (m RefreshEntity) validate() error { return validEntity(m.Entity) }

func (m ConfigSync) validate() error {
	if m.Flag == "" {
		return fmt.Errorf("%w: config sync without flag", ErrInvalidMessage)
	}
	if m.Flag == FlagHidden {
		return validEntity(m.Entity)
	}
	return nil
}

// Validate checks m the way [Envelope.Decode] does, for messages that
// originate locally rather than on the wire.
func Validate(m Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	return m.validate()
}

func validEntity(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty entity", ErrInvalidMessage)
	}
	return nil
}

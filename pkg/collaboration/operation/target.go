package operation

import (
	"fmt"

	"github.com/google/uuid"
)

// EntityType names the kind of thing an operation touches
type EntityType string

const (
	EntityNode   EntityType = "node"
	EntityTrack  EntityType = "track"
	EntityTracks EntityType = "tracks"
	EntityMarker EntityType = "marker"
	EntityLane   EntityType = "lane"
)

// Effect is what an operation does to a target
type Effect string

const (
	EffectCreate     Effect = "create"
	EffectDelete     Effect = "delete"
	EffectEdit       Effect = "edit"
	EffectReference  Effect = "reference"
	EffectMembership Effect = "membership"
)

// Entity is a conflict target. The track collection uses the nil id.
type Entity struct {
	Type EntityType `json:"type"`
	ID   uuid.UUID  `json:"id"`
}

func (e Entity) String() string {
	if e.ID == uuid.Nil {
		return string(e.Type)
	}
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// Target is one effect of an operation on one entity
type Target struct {
	Entity   Entity `json:"entity"`
	Effect   Effect `json:"effect"`
	Property string `json:"property,omitempty"`
}

func (t Target) String() string {
	if t.Property != "" {
		return fmt.Sprintf("%s:%s(%s)", t.Entity, t.Effect, t.Property)
	}
	return fmt.Sprintf("%s:%s", t.Entity, t.Effect)
}

func node(id uuid.UUID, effect Effect, property string) Target {
	return Target{Entity: Entity{Type: EntityNode, ID: id}, Effect: effect, Property: property}
}

func track(id uuid.UUID, effect Effect, property string) Target {
	return Target{Entity: Entity{Type: EntityTrack, ID: id}, Effect: effect, Property: property}
}

func tracks(effect Effect, property string) Target {
	return Target{Entity: Entity{Type: EntityTracks}, Effect: effect, Property: property}
}

func marker(id uuid.UUID, effect Effect, property string) Target {
	return Target{Entity: Entity{Type: EntityMarker, ID: id}, Effect: effect, Property: property}
}

func lane(id uuid.UUID, effect Effect, property string) Target {
	return Target{Entity: Entity{Type: EntityLane, ID: id}, Effect: effect, Property: property}
}

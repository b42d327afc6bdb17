package registry

import (
	"github.com/adwski/tlv-chat/backend/model"
	_switch "github.com/adwski/tlv-chat/backend/switch"
	"github.com/google/uuid"
)

// room is only accessed with the registry lock held.
type room struct {
	name    string
	members []*model.Client // join order
	sw      *_switch.Switch
}

func (r *room) isMember(id uuid.UUID) bool {
	for _, m := range r.members {
		if m.ID() == id {
			return true
		}
	}
	return false
}

func (r *room) add(c *model.Client) {
	r.members = append(r.members, c)
}

func (r *room) remove(id uuid.UUID) {
	for i, m := range r.members {
		if m.ID() == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return
		}
	}
}

func (r *room) isEmpty() bool {
	return len(r.members) == 0
}

func (r *room) snapshot() []*model.Client {
	return append([]*model.Client(nil), r.members...)
}

func (r *room) info() model.RoomInfo {
	names := make([]string, 0, len(r.members))
	for _, m := range r.members {
		names = append(names, m.Username)
	}
	return model.RoomInfo{Name: r.name, Members: names}
}

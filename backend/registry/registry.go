// Package registry keeps track of chat rooms and their members.
//
// All membership changes go through a single registry-wide lock. Broadcasts
// are prepared under the lock from a snapshot of the members and handed to
// the room's fan-out switch after the lock is released.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/adwski/tlv-chat/backend/model"
	_switch "github.com/adwski/tlv-chat/backend/switch"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultMaxClients = 8
)

var (
	ErrAlreadyInRoom = errors.New("client is already in a room")
	ErrAlreadyMember = errors.New("client is already a member of this room")
	ErrRoomFull      = errors.New("room is full")
	ErrNotInRoom     = errors.New("client is not in a room")
	ErrLoneMember    = errors.New("client is the only member of the room")
	ErrClosed        = errors.New("registry is shut down")
)

type Config struct {
	Logger *zerolog.Logger
	// MaxClients is the service-wide client limit. Each room gets half of it
	// as fan-out capacity.
	MaxClients int
}

type Registry struct {
	logger       zerolog.Logger
	mx           sync.Mutex
	rooms        map[string]*room
	roomCapacity int
	closed       bool
}

// broadcast is a fan-out prepared under the registry lock.
type broadcast struct {
	sw      *_switch.Switch
	members []*model.Client
	exclude uuid.UUID
	text    string
}

func (b *broadcast) dispatch() {
	if b == nil {
		return
	}
	b.sw.Broadcast(b.members, b.exclude, model.TagNotification, b.text)
}

func NewRegistry(cfg Config) *Registry {
	if cfg.MaxClients < 1 {
		cfg.MaxClients = defaultMaxClients
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	capacity := cfg.MaxClients / 2
	if capacity < 1 {
		capacity = 1
	}
	return &Registry{
		logger:       logger.With().Str("component", "registry").Logger(),
		rooms:        make(map[string]*room),
		roomCapacity: capacity,
	}
}

// ListRooms renders every room with its members, rooms sorted by name and
// members in join order.
func (reg *Registry) ListRooms() string {
	rooms := reg.Snapshot()
	if len(rooms) == 0 {
		return "No rooms available.\n"
	}
	var sb strings.Builder
	for _, r := range rooms {
		sb.WriteString("Room: " + r.Name + "\n")
		for _, m := range r.Members {
			sb.WriteString("  Member: " + m + "\n")
		}
	}
	return sb.String()
}

// Snapshot returns a copy of all rooms sorted by name.
func (reg *Registry) Snapshot() []model.RoomInfo {
	reg.mx.Lock()
	out := make([]model.RoomInfo, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r.info())
	}
	reg.mx.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Join adds the client to the named room, creating it if needed, and
// notifies the other members.
func (reg *Registry) Join(c *model.Client, name string) error {
	b, err := reg.join(c, name)
	if err != nil {
		return err
	}
	b.dispatch()
	return nil
}

func (reg *Registry) join(c *model.Client, name string) (*broadcast, error) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	if reg.closed {
		return nil, ErrClosed
	}
	if c.Room != "" {
		return nil, ErrAlreadyInRoom
	}

	r, ok := reg.rooms[name]
	if !ok {
		r = &room{
			name: name,
			sw: _switch.NewSwitch(_switch.Config{
				Logger:   &reg.logger,
				Name:     name,
				Capacity: reg.roomCapacity,
			}),
		}
		reg.rooms[name] = r
		reg.logger.Debug().Str("room", name).Msg("room created")
	}

	if r.isMember(c.ID()) {
		return nil, ErrAlreadyMember
	}
	if r.sw.Saturated() {
		reg.dropIfEmpty(r)
		return nil, ErrRoomFull
	}

	r.add(c)
	c.Room = name
	reg.logger.Debug().
		Str("room", name).
		Str("username", c.Username).
		Str("connID", c.ID().String()).
		Msg("client joined room")

	return &broadcast{
		sw:      r.sw,
		members: r.snapshot(),
		exclude: c.ID(),
		text:    "Client " + c.Username + " has joined the room.",
	}, nil
}

// Leave notifies the other members and removes the client from its room.
// Empty rooms are deleted.
func (reg *Registry) Leave(c *model.Client) error {
	b, err := reg.leave(c)
	if err != nil {
		return err
	}
	b.dispatch()
	return nil
}

// RemoveOnDisconnect is Leave for a connection that is going away. It
// reports whether the client was in a room.
func (reg *Registry) RemoveOnDisconnect(c *model.Client) bool {
	b, err := reg.leave(c)
	if err != nil {
		return false
	}
	b.dispatch()
	return true
}

func (reg *Registry) leave(c *model.Client) (*broadcast, error) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	if c.Room == "" {
		return nil, ErrNotInRoom
	}
	r, ok := reg.rooms[c.Room]
	if !ok || !r.isMember(c.ID()) {
		c.Room = ""
		return nil, ErrNotInRoom
	}

	// members are captured before removal, the leaver is excluded by identity
	b := &broadcast{
		sw:      r.sw,
		members: r.snapshot(),
		exclude: c.ID(),
		text:    "Client " + c.Username + " has left the room.",
	}

	r.remove(c.ID())
	c.Room = ""
	reg.logger.Debug().
		Str("room", r.name).
		Str("username", c.Username).
		Str("connID", c.ID().String()).
		Msg("client left room")

	reg.dropIfEmpty(r)
	return b, nil
}

// Send broadcasts "Client <username>: <text>" to everyone else in the
// client's room.
func (reg *Registry) Send(c *model.Client, text string) error {
	b, err := reg.send(c, text)
	if err != nil {
		return err
	}
	b.dispatch()
	return nil
}

func (reg *Registry) send(c *model.Client, text string) (*broadcast, error) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.rooms[c.Room]
	if c.Room == "" || !ok || !r.isMember(c.ID()) {
		return nil, ErrNotInRoom
	}
	if len(r.members) == 1 {
		return nil, ErrLoneMember
	}
	return &broadcast{
		sw:      r.sw,
		members: r.snapshot(),
		exclude: c.ID(),
		text:    "Client " + c.Username + ": " + text,
	}, nil
}

// Shutdown drops every room and waits for pending deliveries.
func (reg *Registry) Shutdown() {
	reg.mx.Lock()
	reg.closed = true
	switches := make([]*_switch.Switch, 0, len(reg.rooms))
	for name, r := range reg.rooms {
		switches = append(switches, r.sw)
		for _, m := range r.members {
			m.Room = ""
		}
		delete(reg.rooms, name)
	}
	reg.mx.Unlock()

	for _, sw := range switches {
		sw.Shutdown()
	}
}

// dropIfEmpty must be called with the lock held.
func (reg *Registry) dropIfEmpty(r *room) {
	if !r.isEmpty() {
		return
	}
	delete(reg.rooms, r.name)
	r.sw.Close()
	reg.logger.Debug().Str("room", r.name).Msg("room deleted")
}

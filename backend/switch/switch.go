package _switch

import (
	"sync"

	"github.com/adwski/tlv-chat/backend/model"
	"github.com/adwski/tlv-chat/backend/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Delivery is one frame addressed to one recipient.
type Delivery struct {
	To   model.Endpoint
	Tag  model.Tag
	Text string
}

type Config struct {
	Logger *zerolog.Logger
	Name   string
	// Capacity is both the number of fan-out workers and the number of
	// busy workers at which the switch reports saturation.
	Capacity int
}

// Switch fans frames out to room members. Recipients are served by
// independent pool tasks, so a dead endpoint never delays or fails the
// others. Deliveries to one recipient go through its outbox and keep their
// submission order.
type Switch struct {
	logger   zerolog.Logger
	pool     *pool.Pool[uuid.UUID]
	capacity int

	mx       sync.Mutex
	outboxes map[uuid.UUID][]Delivery // a key exists while a drain is scheduled
	closed   bool
}

func NewSwitch(cfg Config) *Switch {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	sw := &Switch{
		logger:   logger.With().Str("component", "switch").Str("room", cfg.Name).Logger(),
		capacity: cfg.Capacity,
		outboxes: make(map[uuid.UUID][]Delivery),
	}
	sw.pool = pool.New(pool.Config{
		Logger: &logger,
		Name:   "fanout-" + cfg.Name,
		Size:   cfg.Capacity,
	}, sw.drain)
	return sw
}

// Broadcast queues tag/text to every member except the one with the exclude
// identity. It returns the number of queued deliveries.
func (sw *Switch) Broadcast(members []*model.Client, exclude uuid.UUID, tag model.Tag, text string) int {
	var (
		n        int
		schedule []uuid.UUID
	)

	sw.mx.Lock()
	if sw.closed {
		sw.mx.Unlock()
		return 0
	}
	for _, m := range members {
		id := m.ID()
		if id == exclude {
			continue
		}
		box, scheduled := sw.outboxes[id]
		sw.outboxes[id] = append(box, Delivery{To: m.Conn, Tag: tag, Text: text})
		if !scheduled {
			schedule = append(schedule, id)
		}
		n++
	}
	sw.mx.Unlock()

	for _, id := range schedule {
		sw.pool.Submit(id)
	}
	if n == 0 {
		sw.logger.Debug().Str("type", tag.String()).Msg("broadcast did not reach anyone")
	}
	return n
}

// Active returns the number of recipients being served right now.
func (sw *Switch) Active() int {
	return sw.pool.ActiveCount()
}

// Saturated reports whether every fan-out worker is busy. The check is racy
// by nature and only used for admission.
func (sw *Switch) Saturated() bool {
	return sw.pool.ActiveCount() >= sw.capacity
}

// Close stops the switch in the background. Deliveries already queued are
// still attempted.
func (sw *Switch) Close() {
	sw.markClosed()
	go sw.pool.Shutdown()
}

// Shutdown stops the switch and waits for queued deliveries.
func (sw *Switch) Shutdown() {
	sw.markClosed()
	sw.pool.Shutdown()
}

func (sw *Switch) markClosed() {
	sw.mx.Lock()
	sw.closed = true
	sw.mx.Unlock()
}

// drain sends everything queued for one recipient.
func (sw *Switch) drain(id uuid.UUID) {
	for {
		sw.mx.Lock()
		box := sw.outboxes[id]
		if len(box) == 0 {
			delete(sw.outboxes, id)
			sw.mx.Unlock()
			return
		}
		d := box[0]
		box[0] = Delivery{}
		sw.outboxes[id] = box[1:]
		sw.mx.Unlock()

		sw.deliver(d)
	}
}

func (sw *Switch) deliver(d Delivery) {
	if err := d.To.Send(d.Tag, []byte(d.Text)); err != nil {
		sw.logger.Debug().Err(err).
			Str("dst", d.To.ID().String()).
			Str("type", d.Tag.String()).
			Msg("dead endpoint")
		return
	}
	sw.logger.Trace().
		Str("dst", d.To.ID().String()).
		Str("type", d.Tag.String()).
		Msg("delivery is forwarded")
}

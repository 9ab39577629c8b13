package relay

import (
	"github.com/sirupsen/logrus"
)

// Dispatcher routes opaque payloads to room members via the registry.
// Delivery is best effort everywhere: an absent recipient is a silent drop
// and a failed send to one recipient never affects the others.
type Dispatcher struct {
	registry *Registry
	log      *logrus.Entry
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		log:      logrus.WithField("component", "dispatcher"),
	}
}

// SendPrivate delivers payload verbatim to one room member. Recipients that
// are offline or unknown are dropped without an error to the sender.
func (d *Dispatcher) SendPrivate(roomID, toMember string, payload []byte) {
	conn, ok := d.registry.Get(roomID, toMember)
	if !ok {
		return
	}
	if err := conn.Send(payload); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"room_id":   roomID,
			"member_id": toMember,
		}).Debug("private delivery dropped")
	}
}

// Broadcast delivers payload verbatim to every connection currently in the
// room, including the sender if still registered. Each send is independent;
// failures are logged and swallowed, never retried.
func (d *Dispatcher) Broadcast(roomID string, payload []byte) {
	for _, conn := range d.registry.All(roomID) {
		if err := conn.Send(payload); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"room_id":   roomID,
				"member_id": conn.MemberID(),
			}).Debug("broadcast delivery dropped")
		}
	}
}

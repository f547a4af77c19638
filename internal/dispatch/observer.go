package dispatch

import (
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// Observer is told about every status change. Observers run synchronously
// on the dispatch loop and receive a copy of the notification.
type Observer interface {
	OnStatusChange(n *notification.Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(n *notification.Notification)

func (f ObserverFunc) OnStatusChange(n *notification.Notification) { f(n) }

// Subscription identifies a registered observer.
type Subscription uint64

// Subscribe registers o and returns a handle for Unsubscribe.
func (d *Dispatcher) Subscribe(o Observer) Subscription {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()

	d.obsSeq++
	id := Subscription(d.obsSeq)
	d.observers[id] = o
	return id
}

// Unsubscribe removes a previously registered observer.
func (d *Dispatcher) Unsubscribe(id Subscription) {
	d.obsMu.Lock()
	delete(d.observers, id)
	d.obsMu.Unlock()
}

func (d *Dispatcher) notify(n *notification.Notification) {
	d.obsMu.RLock()
	observers := make([]Observer, 0, len(d.observers))
	for _, o := range d.observers {
		observers = append(observers, o)
	}
	d.obsMu.RUnlock()

	for _, o := range observers {
		d.safeNotify(o, n.Clone())
	}
}

func (d *Dispatcher) safeNotify(o Observer, n *notification.Notification) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("observer panicked",
				zap.String("notification_id", n.ID),
				zap.Any("panic", p),
			)
		}
	}()
	o.OnStatusChange(n)
}

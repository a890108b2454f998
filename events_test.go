package citadel

import (
	"testing"
	"time"
)

func TestNotifier(t *testing.T) {
	t.Run("HandlersRunInRegistrationOrder", func(t *testing.T) {
		n := newNotifier()

		var order []int
		n.OnRotationDue(func(RotationDueEvent) { order = append(order, 1) })
		n.OnRotationDue(func(RotationDueEvent) { order = append(order, 2) })

		n.publishRotationDue(RotationDueEvent{SecretID: "ordered"})

		if len(order) != 2 || order[0] != 1 || order[1] != 2 {
			t.Errorf("Handlers ran as %v, expected [1 2]", order)
		}
	})

	t.Run("NilHandlersIgnored", func(t *testing.T) {
		n := newNotifier()

		n.OnRotationDue(nil)
		n.OnTamperDetected(nil)
		n.OnHighFailureRate(nil)

		// Publishing must not panic on the discarded registrations
		n.publishRotationDue(RotationDueEvent{})
		n.publishTamper(TamperEvent{})
		n.publishFailureRate(FailureRateEvent{})
	})

	t.Run("EventPayloadDelivered", func(t *testing.T) {
		n := newNotifier()

		var got TamperEvent
		n.OnTamperDetected(func(event TamperEvent) { got = event })

		sent := TamperEvent{
			SecretID:   "tampered",
			Version:    4,
			DetectedAt: time.Now().UTC(),
			Detail:     "stored digest does not match envelope",
		}
		n.publishTamper(sent)

		if got != sent {
			t.Errorf("Delivered %+v, expected %+v", got, sent)
		}
	})
}

package delivery

import (
	"time"

	"github.com/zoff-tech/go-webhooks/schema"
)

// RetryDelays is the fixed retry schedule, indexed by zero-based retry number.
var RetryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// NextAttempt decides the log status after attemptCount attempts (the
// current one included) and, when another attempt is due, its time.
func NextAttempt(success bool, attemptCount int, now time.Time) (schema.DeliveryStatus, *time.Time) {
	if success {
		return schema.DeliveryDelivered, nil
	}
	if attemptCount < 1 || attemptCount > len(RetryDelays) {
		return schema.DeliveryFailed, nil
	}
	next := now.Add(RetryDelays[attemptCount-1])
	return schema.DeliveryPending, &next
}

package broker

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/usinatech/vigia/internal/fault"
)

func TestRetryCount(t *testing.T) {
	cases := []struct {
		name string
		h    amqp.Table
		want int
	}{
		{"nil table", nil, 0},
		{"absent", amqp.Table{}, 0},
		{"int", amqp.Table{"x-retry": 3}, 3},
		{"int32", amqp.Table{"x-retry": int32(4)}, 4},
		{"int64", amqp.Table{"x-retry": int64(5)}, 5},
		{"float64", amqp.Table{"x-retry": float64(2)}, 2},
		{"string", amqp.Table{"x-retry": "7"}, 7},
		{"garbage string", amqp.Table{"x-retry": "x"}, 0},
		{"wrong type", amqp.Table{"x-retry": true}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryCount(tc.h))
		})
	}
}

func TestIncrementRetry(t *testing.T) {
	h := incrementRetry(nil)
	assert.Equal(t, int64(1), h["x-retry"])

	h = incrementRetry(amqp.Table{"x-retry": int64(4), "trace-id": "abc"})
	assert.Equal(t, int64(5), h["x-retry"])
	assert.Equal(t, "abc", h["trace-id"], "other headers survive")
}

func TestIncrementRetryDoesNotMutateOriginal(t *testing.T) {
	orig := amqp.Table{"x-retry": int64(1)}
	_ = incrementRetry(orig)
	assert.Equal(t, int64(1), orig["x-retry"])
}

func TestDecide(t *testing.T) {
	dbErr := fault.New(fault.Database, "insert failed")
	valErr := fault.New(fault.Validation, "clientId is required")
	plainErr := errors.New("panic-ish")

	cases := []struct {
		name       string
		err        error
		retries    int
		maxRetries int
		want       action
	}{
		{"success", nil, 0, 5, actAck},
		{"validation never retries", valErr, 0, 5, actDiscard},
		{"validation at cap still discards", valErr, 99, 5, actDiscard},
		{"retryable below cap", dbErr, 0, 5, actRetry},
		{"retryable at last slot", dbErr, 4, 5, actRetry},
		{"retryable at cap dead-letters", dbErr, 5, 5, actDeadLetter},
		{"retryable past cap dead-letters", dbErr, 6, 5, actDeadLetter},
		{"unknown errors dead-letter", plainErr, 0, 5, actDeadLetter},
		{"broker errors retry", fault.New(fault.Broker, "channel gone"), 1, 5, actRetry},
		{"zero max retries", dbErr, 0, 0, actDeadLetter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decide(tc.err, tc.retries, tc.maxRetries))
		})
	}
}

// Property 4 of the retry design: exactly MAX_RETRIES retry publishes happen
// before a message dead-letters, with x-retry running 1..MAX_RETRIES.
func TestRetryProgressionReachesDLQAfterMaxRetries(t *testing.T) {
	const maxRetries = 5
	err := fault.New(fault.Database, "still down")

	headers := amqp.Table(nil)
	var retryPublishes []int
	for attempt := 0; ; attempt++ {
		switch decide(err, retryCount(headers), maxRetries) {
		case actRetry:
			headers = incrementRetry(headers)
			retryPublishes = append(retryPublishes, retryCount(headers))
		case actDeadLetter:
			assert.Equal(t, []int{1, 2, 3, 4, 5}, retryPublishes)
			return
		default:
			t.Fatal("unexpected action in retry progression")
		}
		if attempt > maxRetries+1 {
			t.Fatal("progression never dead-lettered")
		}
	}
}

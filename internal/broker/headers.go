package broker

import (
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
)

// retryHeader counts redeliveries through the retry queue.
const retryHeader = "x-retry"

// retryCount reads the x-retry header. AMQP clients and brokers disagree on
// integer widths, so every numeric shape is accepted; absent or unreadable
// headers count as zero.
func retryCount(h amqp.Table) int {
	if h == nil {
		return 0
	}
	switch v := h[retryHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// incrementRetry returns a header table with x-retry bumped by one,
// preserving every other header from the original delivery.
func incrementRetry(h amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range h {
		out[k] = v
	}
	out[retryHeader] = int64(retryCount(h) + 1)
	return out
}

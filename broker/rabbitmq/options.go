package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hollisho/go-mq-transaction/broker"
)

// Recognized option keys. Unknown keys are ignored.
const (
	// OptContentType overrides the default application/json content type.
	OptContentType = "content_type"
	// OptHeaders is a map[string]any merged into the AMQP headers table.
	OptHeaders = "headers"
	// OptPriority is a message priority 0-9.
	OptPriority = "priority"
	// OptExpiration is a per-message TTL, as a duration or a string of
	// milliseconds.
	OptExpiration = "expiration"
)

// publishing maps a message and its options onto the AMQP publishing.
// Delivery is always persistent and the message id rides in the MessageId
// property so redelivered duplicates keep a stable identifier.
func publishing(payload []byte, messageID string, opts broker.Options) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         payload,
	}

	if ct, ok := opts[OptContentType].(string); ok && ct != "" {
		pub.ContentType = ct
	}
	if hs, ok := opts[OptHeaders].(map[string]any); ok {
		table := amqp.Table{}
		for k, v := range hs {
			table[k] = v
		}
		pub.Headers = table
	}
	if prio, ok := asInt(opts[OptPriority]); ok && prio >= 0 && prio <= 9 {
		pub.Priority = uint8(prio)
	}
	switch exp := opts[OptExpiration].(type) {
	case string:
		pub.Expiration = exp
	case time.Duration:
		pub.Expiration = fmt.Sprintf("%d", exp.Milliseconds())
	}

	return pub
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/hollisho/go-mq-transaction/broker"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{URL: "amqp://localhost"}
	cfg.applyDefaults()

	assert.Equal(t, DefaultExchange, cfg.Exchange)
	assert.Equal(t, DefaultQueue, cfg.Queue)
	assert.Equal(t, DefaultPrefetch, cfg.Prefetch)
	assert.Equal(t, DefaultSendTimeout, cfg.SendTimeout)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
}

func TestPublishingDefaults(t *testing.T) {
	pub := publishing([]byte(`{"order_id":1001}`), "m1", nil)

	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)
	assert.Equal(t, "m1", pub.MessageId)
	assert.Equal(t, []byte(`{"order_id":1001}`), pub.Body)
	assert.Nil(t, pub.Headers)
}

func TestPublishingOptions(t *testing.T) {
	pub := publishing([]byte(`{}`), "m1", broker.Options{
		OptContentType: "text/plain",
		OptHeaders:     map[string]any{"x-source": "ordersvc"},
		OptPriority:    5,
		OptExpiration:  30 * time.Second,
	})

	assert.Equal(t, "text/plain", pub.ContentType)
	assert.Equal(t, "ordersvc", pub.Headers["x-source"])
	assert.Equal(t, uint8(5), pub.Priority)
	assert.Equal(t, "30000", pub.Expiration)
}

func TestPublishingOptionsFromJSON(t *testing.T) {
	// options decoded from the outbox arrive as JSON types: numbers are
	// float64, expiration is a millisecond string
	pub := publishing([]byte(`{}`), "m1", broker.Options{
		OptPriority:   float64(9),
		OptExpiration: "60000",
	})

	assert.Equal(t, uint8(9), pub.Priority)
	assert.Equal(t, "60000", pub.Expiration)
}

func TestPublishingIgnoresBadOptions(t *testing.T) {
	pub := publishing([]byte(`{}`), "m1", broker.Options{
		OptPriority:    42, // out of range
		OptContentType: 7,  // wrong type
		"unknown":      "x",
	})

	assert.Equal(t, uint8(0), pub.Priority)
	assert.Equal(t, "application/json", pub.ContentType)
}

func TestDrainStaleDiscardsPendingFrames(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 2)
	returns := make(chan amqp.Return, 1)
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: false}
	returns <- amqp.Return{ReplyCode: 312}

	assert.True(t, drainStale(confirms, returns))
	assert.Empty(t, confirms)
	assert.Empty(t, returns)
}

func TestDrainStaleReportsDeadChannel(t *testing.T) {
	// amqp091-go closes the notify channels when the AMQP channel dies;
	// a receive from a closed channel is always ready, so the drain must
	// terminate and report it instead of spinning.
	confirms := make(chan amqp.Confirmation, 1)
	returns := make(chan amqp.Return)
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	close(confirms)
	assert.False(t, drainStale(confirms, returns))

	c2 := make(chan amqp.Confirmation)
	r2 := make(chan amqp.Return)
	close(r2)
	assert.False(t, drainStale(c2, r2))
}

func TestJitterStaysInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(10 * time.Second)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
	}
}

func TestAckRejectsForeignHandle(t *testing.T) {
	b := New(Config{URL: "amqp://localhost"}, zerolog.Nop())

	assert.Error(t, b.Ack("not a delivery"))
	assert.Error(t, b.Nack(42, true))
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(Config{URL: "amqp://localhost"}, zerolog.Nop())
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())

	// a closed adapter refuses to send rather than dialing
	err := b.Send(t.Context(), "t", nil, "m1", nil)
	assert.Error(t, err)
}

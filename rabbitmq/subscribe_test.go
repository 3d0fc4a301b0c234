package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeDeclaresAndBindsQueue(t *testing.T) {
	h, ch := connectedClient(t)

	err := h.client.Subscribe(context.Background(), "billing.user.created", "user.events", "user.account.*",
		func(context.Context, Message) error { return nil })
	require.NoError(t, err)

	args := ch.queues["billing.user.created"]
	require.NotNil(t, args)
	assert.Equal(t, (24 * time.Hour).Milliseconds(), args["x-message-ttl"])
	assert.Equal(t, DeadLetterExchange, args["x-dead-letter-exchange"])

	assert.Contains(t, ch.bindings, queueBinding{queue: "billing.user.created", key: "user.account.*", exchange: "user.events"})
}

func TestSubscribeQueueOptions(t *testing.T) {
	h, ch := connectedClient(t)

	err := h.client.Subscribe(context.Background(), "audit.trail", "user.events", "#",
		func(context.Context, Message) error { return nil },
		WithQueueTTL(time.Hour),
		WithDeadLetter("audit.dlx"),
		WithPrefetch(5),
	)
	require.NoError(t, err)

	args := ch.queues["audit.trail"]
	require.NotNil(t, args)
	assert.Equal(t, time.Hour.Milliseconds(), args["x-message-ttl"])
	assert.Equal(t, "audit.dlx", args["x-dead-letter-exchange"])
	assert.Equal(t, []int{5}, ch.prefetch)
}

func TestSubscribeRequiresHandler(t *testing.T) {
	h, _ := connectedClient(t)

	err := h.client.Subscribe(context.Background(), "q", "e", "k", nil)

	assert.Error(t, err)
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	h := newTestClient(t, Config{}, nil, newFakeChannel())

	err := h.client.Subscribe(context.Background(), "q", "e", "k",
		func(context.Context, Message) error { return nil })

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscribeFailureLeavesNoTrackedSubscription(t *testing.T) {
	ch1 := newFakeChannel()
	ch1.consumeErr = errors.New("consume refused")
	ch2 := newFakeChannel()

	h := newTestClient(t, Config{}, nil, ch1, ch2)
	require.NoError(t, h.client.Connect(context.Background()))

	err := h.client.Subscribe(context.Background(), "billing.user.created", "user.events", "user.account.*",
		func(context.Context, Message) error { return nil })
	require.Error(t, err)

	h.client.mu.Lock()
	tracked := len(h.client.subs)
	h.client.mu.Unlock()
	assert.Zero(t, tracked)

	// A failed subscription must not resurface on reconnect.
	ch1.fireClose(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})

	require.Eventually(t, func() bool {
		return h.client.State() == StateConnected && *h.dialCalls == 2
	}, time.Second, 5*time.Millisecond)

	ch2.mu.Lock()
	_, consuming := ch2.deliveries["billing.user.created"]
	ch2.mu.Unlock()
	assert.False(t, consuming)
}

func TestSubscribeIgnoresNonMatchingRoutingKeys(t *testing.T) {
	h, ch := connectedClient(t)

	got := make(chan string, 8)
	require.NoError(t, h.client.Subscribe(context.Background(), "billing.user.created", "user.events", "user.account.*",
		func(_ context.Context, msg Message) error {
			got <- msg.RoutingKey

			return nil
		}))

	ch.route("user.events", "user.session.expired", amqp.Delivery{Acknowledger: &fakeAcknowledger{}})
	ch.route("user.events", "user.account.profile.updated", amqp.Delivery{Acknowledger: &fakeAcknowledger{}})
	ch.route("user.events", "user.account.created", amqp.Delivery{Acknowledger: &fakeAcknowledger{}})

	select {
	case key := <-got:
		assert.Equal(t, "user.account.created", key)
	case <-time.After(time.Second):
		t.Fatal("matching routing key was not delivered")
	}

	select {
	case key := <-got:
		t.Fatalf("handler received non-matching routing key %q", key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeHashPatternMatchesNestedKeys(t *testing.T) {
	h, ch := connectedClient(t)

	got := make(chan string, 8)
	require.NoError(t, h.client.Subscribe(context.Background(), "audit.trail", "user.events", "user.#",
		func(_ context.Context, msg Message) error {
			got <- msg.RoutingKey

			return nil
		}))

	ch.route("user.events", "payment.settled", amqp.Delivery{Acknowledger: &fakeAcknowledger{}})
	ch.route("user.events", "user.account.profile.updated", amqp.Delivery{Acknowledger: &fakeAcknowledger{}})

	select {
	case key := <-got:
		assert.Equal(t, "user.account.profile.updated", key)
	case <-time.After(time.Second):
		t.Fatal("matching routing key was not delivered")
	}

	select {
	case key := <-got:
		t.Fatalf("handler received non-matching routing key %q", key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandlerSuccessAcks(t *testing.T) {
	h, ch := connectedClient(t)

	got := make(chan Message, 1)
	require.NoError(t, h.client.Subscribe(context.Background(), "billing.user.created", "user.events", "user.account.*",
		func(_ context.Context, msg Message) error {
			got <- msg

			return nil
		}))

	ack := &fakeAcknowledger{}
	ch.deliver(t, "billing.user.created", amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		Exchange:     "user.events",
		RoutingKey:   "user.account.created",
		Body:         []byte(`{"userId":"u-1","metadata":{"eventId":"e-1"}}`),
	})

	select {
	case msg := <-got:
		assert.Equal(t, "user.account.created", msg.RoutingKey)
		assert.Equal(t, "user.events", msg.Exchange)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	require.Eventually(t, func() bool { return ack.ackCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, ack.nackCount())
}

func TestHandlerErrorNacksWithoutRequeue(t *testing.T) {
	h, ch := connectedClient(t)

	require.NoError(t, h.client.Subscribe(context.Background(), "billing.user.created", "user.events", "user.account.*",
		func(context.Context, Message) error {
			return errors.New("cannot process")
		}))

	ack := &fakeAcknowledger{}
	ch.deliver(t, "billing.user.created", amqp.Delivery{Acknowledger: ack, DeliveryTag: 3})

	require.Eventually(t, func() bool { return ack.nackCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, ack.ackCount())

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.False(t, ack.nacks[0].requeue, "rejected messages must dead-letter, not requeue")
}

func TestHandlerPanicNacks(t *testing.T) {
	h, ch := connectedClient(t)

	require.NoError(t, h.client.Subscribe(context.Background(), "billing.user.created", "user.events", "user.account.*",
		func(context.Context, Message) error {
			panic("handler exploded")
		}))

	ack := &fakeAcknowledger{}
	ch.deliver(t, "billing.user.created", amqp.Delivery{Acknowledger: ack, DeliveryTag: 4})

	require.Eventually(t, func() bool { return ack.nackCount() == 1 }, time.Second, 5*time.Millisecond)

	// The consumer loop survives the panic.
	ack2 := &fakeAcknowledger{}
	ch.deliver(t, "billing.user.created", amqp.Delivery{Acknowledger: ack2, DeliveryTag: 5})
	require.Eventually(t, func() bool { return ack2.nackCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeBroadcastBindsFanout(t *testing.T) {
	h, ch := connectedClient(t)

	require.NoError(t, h.client.SubscribeBroadcast(context.Background(), "billing.notifications",
		func(context.Context, Message) error { return nil }))

	assert.Contains(t, ch.bindings, queueBinding{queue: "billing.notifications", key: "", exchange: BroadcastExchange})
}

func TestSubscribeDirectBindsTargetKey(t *testing.T) {
	h, ch := connectedClient(t)

	require.NoError(t, h.client.SubscribeDirect(context.Background(), "billing.inbox", "billing-service",
		func(context.Context, Message) error { return nil }))

	assert.Contains(t, ch.bindings, queueBinding{queue: "billing.inbox", key: "billing-service", exchange: DirectExchange})
}

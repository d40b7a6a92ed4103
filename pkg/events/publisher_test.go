package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
	"github.com/nemonet1337/shopquoter/pkg/purchasing"
)

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	confirms  chan amqp.Confirmation
	ack       bool
	hold      bool
	err       error
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	if c.hold {
		return nil
	}
	c.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(c.published)), Ack: c.ack}
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func newFake(ack bool) (*fakeChannel, *RabbitMQPublisher) {
	ch := &fakeChannel{confirms: make(chan amqp.Confirmation, 1), ack: ack}
	p := newRabbitMQPublisher(RabbitMQConfig{Exchange: "shopquoter"}, ch, ch.confirms, zap.NewNop())
	return ch, p
}

func TestRabbitMQPublisher_PublishStockChanged(t *testing.T) {
	ch, p := newFake(true)

	event := inventory.StockChangedEvent{
		MovementID:   "m-1",
		ProductID:    "A",
		MovementType: inventory.MovementTypeReceipt,
		Quantity:     5,
		Sequence:     1,
		Timestamp:    time.Now(),
	}
	require.NoError(t, p.PublishStockChanged(context.Background(), event))

	require.Len(t, ch.published, 1)
	assert.Equal(t, RoutingStockChanged, ch.keys[0])
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, uint8(amqp.Persistent), ch.published[0].DeliveryMode)
	assert.Equal(t, "m-1", ch.published[0].MessageId)

	var decoded inventory.StockChangedEvent
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &decoded))
	assert.Equal(t, int64(5), decoded.Quantity)
}

func TestRabbitMQPublisher_MessageIDsAreUniquePerEvent(t *testing.T) {
	ch, p := newFake(true)
	ctx := context.Background()

	event := purchasing.StatusChangedEvent{PurchaseOrderID: "po-1", From: purchasing.StatusDraft, To: purchasing.StatusSent}
	require.NoError(t, p.PublishPurchaseOrderStatusChanged(ctx, event))
	event.From, event.To = purchasing.StatusSent, purchasing.StatusAcknowledged
	require.NoError(t, p.PublishPurchaseOrderStatusChanged(ctx, event))
	require.NoError(t, p.PublishLowStockAlert(ctx, inventory.LowStockAlertEvent{ProductID: "A"}))
	require.NoError(t, p.PublishLowStockAlert(ctx, inventory.LowStockAlertEvent{ProductID: "A"}))

	require.Len(t, ch.published, 4)
	seen := make(map[string]bool)
	for _, msg := range ch.published {
		assert.NotEmpty(t, msg.MessageId)
		assert.False(t, seen[msg.MessageId], "重複したメッセージID: %s", msg.MessageId)
		seen[msg.MessageId] = true
	}
}

func TestRabbitMQPublisher_DiscardsLateConfirmation(t *testing.T) {
	ch := &fakeChannel{confirms: make(chan amqp.Confirmation, 2), ack: true, hold: true}
	p := newRabbitMQPublisher(RabbitMQConfig{Exchange: "shopquoter", ConfirmTimeout: 20 * time.Millisecond}, ch, ch.confirms, zap.NewNop())
	ctx := context.Background()

	err := p.PublishStockChanged(ctx, inventory.StockChangedEvent{MovementID: "m-1", ProductID: "A"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConfirmed)

	// 1件目の確認が遅れて届き、2件目はブローカーに拒否される
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	ch.hold = false
	ch.ack = false
	err = p.PublishStockChanged(ctx, inventory.StockChangedEvent{MovementID: "m-2", ProductID: "A"})
	assert.ErrorIs(t, err, ErrNotConfirmed)

	ch.ack = true
	assert.NoError(t, p.PublishStockChanged(ctx, inventory.StockChangedEvent{MovementID: "m-3", ProductID: "A"}))
	assert.Empty(t, ch.confirms)
}

func TestRabbitMQPublisher_Nack(t *testing.T) {
	_, p := newFake(false)

	err := p.PublishPurchaseOrderStatusChanged(context.Background(), purchasing.StatusChangedEvent{PurchaseOrderID: "po-1"})
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestRabbitMQPublisher_PublishError(t *testing.T) {
	ch, p := newFake(true)
	ch.err = errors.New("channel closed")

	err := p.PublishLowStockAlert(context.Background(), inventory.LowStockAlertEvent{ProductID: "A"})
	assert.Error(t, err)
	assert.Empty(t, ch.published)
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	ctx := context.Background()
	require.NoError(t, p.PublishStockChanged(ctx, inventory.StockChangedEvent{ProductID: "A"}))
	require.NoError(t, p.PublishLowStockAlert(ctx, inventory.LowStockAlertEvent{ProductID: "A", Deficit: 3}))
	require.NoError(t, p.PublishPurchaseOrderStatusChanged(ctx, purchasing.StatusChangedEvent{
		PurchaseOrderID: "po-1", From: purchasing.StatusDraft, To: purchasing.StatusSent,
	}))

	assert.Equal(t, 3, logs.Len())
	assert.Equal(t, 1, logs.FilterMessage("低在庫アラート").Len())
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := NewLogPublisher(nil)
	_, nack := newFake(false)

	f := Fanout{ok, nack}
	err := f.PublishStockChanged(context.Background(), inventory.StockChangedEvent{ProductID: "A"})
	assert.ErrorIs(t, err, ErrNotConfirmed)

	assert.NoError(t, Fanout{ok}.PublishLowStockAlert(context.Background(), inventory.LowStockAlertEvent{}))
}

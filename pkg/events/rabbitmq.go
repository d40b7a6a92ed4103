package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
	"github.com/nemonet1337/shopquoter/pkg/purchasing"
)

// Routing keys of the published events
// 発行イベントのルーティングキー
const (
	RoutingStockChanged       = "inventory.stock.changed"
	RoutingLowStockAlert      = "inventory.stock.low"
	RoutingPurchaseOrderState = "purchasing.order.status_changed"
)

const defaultConfirmTimeout = 5 * time.Second

// ErrNotConfirmed is returned when the broker nacks a publish
var ErrNotConfirmed = errors.New("メッセージがブローカーに確認されませんでした")

// RabbitMQConfig holds the broker connection settings
// RabbitMQ接続設定
type RabbitMQConfig struct {
	URL            string        `yaml:"url"`
	Exchange       string        `yaml:"exchange"`
	ExchangeType   string        `yaml:"exchange_type"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// channel is the subset of *amqp.Channel the publisher uses
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes inventory and purchase order events to a topic exchange
// with publisher confirms
// RabbitMQへイベントを発行するパブリッシャー
type RabbitMQPublisher struct {
	config     RabbitMQConfig
	connection *amqp.Connection
	channel    channel
	confirms   chan amqp.Confirmation
	logger     *zap.Logger

	// 確認応答は発行順に届くため、発行と確認待ちを直列化する
	mu sync.Mutex
	// nextTag is the delivery tag the broker assigns to the next publish
	nextTag uint64
}

var (
	_ inventory.EventPublisher  = (*RabbitMQPublisher)(nil)
	_ purchasing.EventPublisher = (*RabbitMQPublisher)(nil)
)

// NewRabbitMQPublisher dials the broker, declares the exchange and enables confirms
// ブローカーに接続してパブリッシャーを作成
func NewRabbitMQPublisher(cfg RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = "topic"
	}

	logger.Info("RabbitMQに接続中", zap.String("exchange", cfg.Exchange))
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("RabbitMQへの接続に失敗しました: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("チャネルのオープンに失敗しました: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("確認モードへの切り替えに失敗しました: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	err = ch.ExchangeDeclare(
		cfg.Exchange,     // name
		cfg.ExchangeType, // type
		true,             // durable
		false,            // auto-deleted
		false,            // internal
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("エクスチェンジ %s の宣言に失敗しました: %w", cfg.Exchange, err)
	}

	p := newRabbitMQPublisher(cfg, ch, confirms, logger)
	p.connection = conn
	logger.Info("RabbitMQ接続完了", zap.String("exchange", cfg.Exchange))
	return p, nil
}

func newRabbitMQPublisher(cfg RabbitMQConfig, ch channel, confirms chan amqp.Confirmation, logger *zap.Logger) *RabbitMQPublisher {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	return &RabbitMQPublisher{
		config:   cfg,
		channel:  ch,
		confirms: confirms,
		logger:   logger,
		nextTag:  1,
	}
}

// PublishStockChanged implements inventory.EventPublisher
func (p *RabbitMQPublisher) PublishStockChanged(ctx context.Context, event inventory.StockChangedEvent) error {
	return p.publish(ctx, RoutingStockChanged, event.MovementID, event)
}

// PublishLowStockAlert implements inventory.EventPublisher
func (p *RabbitMQPublisher) PublishLowStockAlert(ctx context.Context, event inventory.LowStockAlertEvent) error {
	return p.publish(ctx, RoutingLowStockAlert, uuid.NewString(), event)
}

// PublishPurchaseOrderStatusChanged implements purchasing.EventPublisher
func (p *RabbitMQPublisher) PublishPurchaseOrderStatusChanged(ctx context.Context, event purchasing.StatusChangedEvent) error {
	return p.publish(ctx, RoutingPurchaseOrderState, uuid.NewString(), event)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, routingKey, messageID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.Publish(
		p.config.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Body:         body,
			Timestamp:    time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("イベント発行に失敗しました: %w", err)
	}
	// チャネルが受け付けた発行にのみ配信タグが振られる
	tag := p.nextTag
	p.nextTag++

	timer := time.NewTimer(p.config.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				return fmt.Errorf("確認チャネルが閉じられました: %w", ErrNotConfirmed)
			}
			if confirm.DeliveryTag < tag {
				// 以前タイムアウトした発行への遅延応答は読み捨てる
				p.logger.Debug("遅延した発行確認を破棄",
					zap.Uint64("delivery_tag", confirm.DeliveryTag),
					zap.Uint64("expected_tag", tag),
				)
				continue
			}
			if !confirm.Ack {
				return ErrNotConfirmed
			}
			p.logger.Debug("イベント発行確認", zap.String("routing_key", routingKey), zap.Uint64("delivery_tag", confirm.DeliveryTag))
			return nil
		case <-timer.C:
			return fmt.Errorf("発行確認がタイムアウトしました: %s", routingKey)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the channel and the connection
// 接続を閉じる
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.channel != nil {
		err = p.channel.Close()
	}
	if p.connection != nil && !p.connection.IsClosed() {
		if cerr := p.connection.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

package acqlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/srg/beegate/internal/session"
)

// RedisOptions configure the Redis feed.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// History is the number of readings kept per device list; 0 disables the list.
	History int64
}

// Message is the JSON document published for each reading.
type Message struct {
	Address     string    `json:"address"`
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature int32     `json:"temperature_mdeg"`
	Humidity    uint32    `json:"humidity_pct"`
	Pressure    uint32    `json:"pressure_pa"`
	Luminosity  uint32    `json:"luminosity_lux"`
}

// NewMessage converts a record to its published form.
func NewMessage(rec session.Record) Message {
	return Message{
		Address:     rec.Address,
		SessionID:   rec.SessionID,
		Timestamp:   rec.Timestamp.UTC(),
		Temperature: rec.Reading.Temperature,
		Humidity:    rec.Reading.Humidity,
		Pressure:    rec.Reading.Pressure,
		Luminosity:  rec.Reading.Luminosity,
	}
}

// HistoryKey is the Redis list holding a device's recent readings.
func HistoryKey(address string) string {
	return fmt.Sprintf("beegate:%s:readings", address)
}

// RedisPublisher publishes every reading on a Pub/Sub channel and keeps a
// capped per-device history list.
type RedisPublisher struct {
	client *redis.Client
	opts   RedisOptions
	logger *logrus.Logger
}

var _ Sink = (*RedisPublisher)(nil)

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, opts RedisOptions, logger *logrus.Logger) (*RedisPublisher, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("redis channel cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	logger.WithFields(logrus.Fields{
		"addr":    opts.Addr,
		"channel": opts.Channel,
	}).Info("Redis acquisition feed connected")
	return &RedisPublisher{client: client, opts: opts, logger: logger}, nil
}

func (p *RedisPublisher) Append(ctx context.Context, rec session.Record) error {
	payload, err := json.Marshal(NewMessage(rec))
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.opts.Channel, payload)
	if p.opts.History > 0 {
		key := HistoryKey(rec.Address)
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, p.opts.History-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

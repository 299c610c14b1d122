package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// CloudEventSource identifies this service in emitted CloudEvents.
	CloudEventSource      = "/fieldops/redlines"
	jobIDExtension        = "jobid"
	defaultStreamMaxLen   = 10000
	streamFieldCloudEvent = "cloudevent"
	streamFieldType       = "type"
	streamFieldJobID      = "job_id"
)

var errMissingStream = errors.New("events: redis stream name is required")

// StreamAdder is the subset of the Redis client used by RedisPublisher.
type StreamAdder interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// RedisPublisherConfig describes the Redis stream destination.
type RedisPublisherConfig struct {
	Client StreamAdder
	Stream string
	MaxLen int64
}

// RedisPublisher appends events, encoded as structured CloudEvents, to a Redis stream.
type RedisPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisPublisher validates cfg and constructs a RedisPublisher.
func NewRedisPublisher(cfg RedisPublisherConfig) (*RedisPublisher, error) {
	if cfg.Client == nil {
		return nil, errors.New("events: redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errMissingStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisPublisher{client: cfg.Client, stream: stream, maxLen: maxLen}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := EncodeCloudEvent(event)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			streamFieldType:       string(event.Type),
			streamFieldJobID:      event.JobID,
			streamFieldCloudEvent: string(payload),
		},
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("events: xadd %s: %w", p.stream, err)
	}
	return nil
}

// EncodeCloudEvent renders the event in CloudEvents structured JSON mode.
func EncodeCloudEvent(event Event) ([]byte, error) {
	envelope := cloudevents.NewEvent()
	envelope.SetID(event.ID)
	envelope.SetSource(CloudEventSource)
	envelope.SetType(string(event.Type))
	envelope.SetSubject(event.VersionID)
	envelope.SetTime(event.OccurredAt)
	envelope.SetExtension(jobIDExtension, event.JobID)
	if err := envelope.SetData(cloudevents.ApplicationJSON, event); err != nil {
		return nil, fmt.Errorf("events: encode data: %w", err)
	}
	if err := envelope.Validate(); err != nil {
		return nil, fmt.Errorf("events: invalid cloudevent: %w", err)
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("events: marshal cloudevent: %w", err)
	}
	return payload, nil
}

// DecodeCloudEvent parses a structured CloudEvent produced by EncodeCloudEvent.
func DecodeCloudEvent(payload []byte) (Event, error) {
	envelope := cloudevents.NewEvent()
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, fmt.Errorf("events: unmarshal cloudevent: %w", err)
	}
	var event Event
	if err := envelope.DataAs(&event); err != nil {
		return Event{}, fmt.Errorf("events: decode data: %w", err)
	}
	return event, nil
}

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"fleet-tracking/internal/observability"
	"fleet-tracking/internal/track"
)

// Config encapsulates the position feed topic.
type Config struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	GroupID  string        `mapstructure:"group_id"`
	MinBytes int           `mapstructure:"min_bytes"`
	MaxBytes int           `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// Ingestor receives decoded samples; satisfied by the realtime service.
type Ingestor interface {
	Ingest(sample track.PositionSample)
}

// Consumer pumps raw position messages from Kafka into the ingestor.
// Malformed messages are counted and skipped; the feed never stops over a
// single bad record.
type Consumer struct {
	reader   *kafka.Reader
	ingestor Ingestor
	logger   zerolog.Logger
}

// NewConsumer builds the feed consumer.
func NewConsumer(cfg Config, ingestor Ingestor, logger zerolog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("feed: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("feed: topic is required")
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    kafka.LastOffset,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:   reader,
		ingestor: ingestor,
		logger:   logger.With().Str("component", "feed").Logger(),
	}, nil
}

// Run blocks, consuming until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Str("topic", c.reader.Config().Topic).Msg("position feed started")
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("read position message: %w", err)
		}

		sample, decodeErr := DecodeSample(msg.Value, time.Now().UTC())
		if decodeErr != nil {
			observability.FeedDecodeErrors.Inc()
			c.logger.Debug().Err(decodeErr).Int64("offset", msg.Offset).Msg("skipping malformed position message")
			continue
		}
		c.ingestor.Ingest(sample)
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// flexNumber tolerates the loose typing seen in tracker payloads: numeric
// fields arrive as JSON numbers or as quoted strings.
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		return errors.New("empty number")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("parse number %q", raw)
	}
	*f = flexNumber(value)
	return nil
}

type wireSample struct {
	VehicleID  string      `json:"vehicle_id"`
	Lat        flexNumber  `json:"lat"`
	Lng        flexNumber  `json:"lng"`
	SpeedKmh   *flexNumber `json:"speed_kmh"`
	HeadingDeg *flexNumber `json:"heading_deg"`
	AccuracyM  *flexNumber `json:"accuracy_m"`
	Timestamp  string      `json:"timestamp"`
}

// DecodeSample parses one feed payload into a raw position sample.
func DecodeSample(payload []byte, receivedAt time.Time) (track.PositionSample, error) {
	var wire wireSample
	if err := json.Unmarshal(payload, &wire); err != nil {
		return track.PositionSample{}, fmt.Errorf("decode sample: %w", err)
	}
	if wire.VehicleID == "" {
		return track.PositionSample{}, errors.New("decode sample: missing vehicle_id")
	}

	sourceTime, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return track.PositionSample{}, err
	}

	return track.PositionSample{
		VehicleID:    wire.VehicleID,
		Lat:          float64(wire.Lat),
		Lng:          float64(wire.Lng),
		SpeedKmh:     optionalNumber(wire.SpeedKmh),
		HeadingDeg:   optionalNumber(wire.HeadingDeg),
		AccuracyM:    optionalNumber(wire.AccuracyM),
		SourceTime:   sourceTime,
		ReceivedTime: receivedAt,
	}, nil
}

func optionalNumber(n *flexNumber) *float64 {
	if n == nil {
		return nil
	}
	value := float64(*n)
	return &value
}

// parseTimestamp accepts RFC3339 and unix epochs in seconds or milliseconds.
func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("decode sample: missing timestamp")
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode sample timestamp %q", raw)
	}
	if epoch > 1e12 {
		return time.UnixMilli(epoch).UTC(), nil
	}
	return time.Unix(epoch, 0).UTC(), nil
}

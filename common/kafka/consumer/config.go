package consumer

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/YaganovValera/batch-retry/common/backoff"
)

// Config содержит параметры для Kafka ConsumerGroup.
//
// Brokers     — адреса брокеров.
// GroupID     — идентификатор consumer group.
// Version     — строка версии Kafka (например, "2.8.0").
// Concurrency — число независимых участников группы в процессе.
// BatchSize / BatchWait — пачка закрывается по размеру или по таймеру.
// MaxPollInterval — сколько может длиться обработка одной пачки, включая
// паузы перед повторной доставкой.
// Backoff — стратегия ретраев при подключении и сбоях сессий.
type Config struct {
	Brokers         []string
	GroupID         string
	Version         string
	ClientID        string
	InitialOffset   string
	Concurrency     int
	BatchSize       int
	BatchWait       time.Duration
	SessionTimeout  time.Duration
	MaxPollInterval time.Duration
	Backoff         backoff.Config
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.ClientID == "" {
		c.ClientID = "batch-consumer"
	}
	if c.InitialOffset == "" {
		c.InitialOffset = "oldest"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchWait <= 0 {
		c.BatchWait = time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Second
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = 5 * time.Minute
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka consumer: brokers required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka consumer: GroupID required")
	}
	switch strings.ToLower(c.InitialOffset) {
	case "oldest", "newest":
	default:
		return fmt.Errorf("kafka consumer: invalid InitialOffset %q", c.InitialOffset)
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: invalid Version %q: %w", c.Version, err)
	}
	sc := sarama.NewConfig()
	sc.Version = version
	sc.ClientID = c.ClientID
	sc.Consumer.Return.Errors = true

	// позиция коммитится только явно, после обработки пачки
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if strings.EqualFold(c.InitialOffset, "newest") {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	sc.Consumer.Group.Session.Timeout = c.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = c.SessionTimeout / 3
	sc.Consumer.Group.Rebalance.Timeout = c.MaxPollInterval
	sc.Consumer.MaxProcessingTime = c.MaxPollInterval
	sc.ChannelBufferSize = c.BatchSize

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka consumer: sarama config: %w", err)
	}
	return sc, nil
}

package bus

import (
	"fmt"
	"strings"

	"github.com/ricesearch/kbprobe/internal/config"
	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/pkg/logger"
)

// DefaultKafkaGroup is the consumer group used when none is configured.
const DefaultKafkaGroup = "kbprobe"

// NewBus creates the bus selected by cfg. When cfg.EventLog is set the bus
// also journals every published event to that file.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if log == nil {
		log = logger.Default()
	}

	var b Bus
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		b = NewMemoryBus(log)

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.ValidationError("kafka brokers not configured")
		}
		group := cfg.KafkaGroup
		if group == "" {
			group = DefaultKafkaGroup
		}
		kb, err := NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: group,
			ClientID:      "kbprobe-bus",
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		b = kb

	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}

	if cfg.EventLog == "" {
		return b, nil
	}
	j, err := OpenJournal(cfg.EventLog)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return NewLoggedBus(b, j, log), nil
}

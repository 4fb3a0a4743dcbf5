package bus

import (
	"encoding/json"
	"fmt"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
)

// DecodePayload returns the typed payload of a run event. Events from the
// memory bus already carry the struct; events read back from Kafka or the
// journal carry generic JSON and are converted by topic. Payloads of unknown
// topics are returned unchanged.
func DecodePayload(topic string, payload any) (any, error) {
	switch payload.(type) {
	case nil, BatchCompleted, RunCompleted, EpochCompleted:
		return payload, nil
	case *BatchCompleted, *RunCompleted, *EpochCompleted:
		return payload, nil
	}

	switch topic {
	case TopicBatchCompleted:
		return convert[BatchCompleted](topic, payload)
	case TopicRunCompleted:
		return convert[RunCompleted](topic, payload)
	case TopicEpochCompleted:
		return convert[EpochCompleted](topic, payload)
	default:
		return payload, nil
	}
}

func convert[T any](topic string, payload any) (any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, fmt.Sprintf("encode %s payload", topic), err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(errors.CodeValidation, fmt.Sprintf("decode %s payload", topic), err)
	}
	return v, nil
}

// typed replaces e's payload with its typed form when decoding succeeds.
func typed(topic string, e Event) Event {
	if p, err := DecodePayload(topic, e.Payload); err == nil {
		e.Payload = p
	}
	return e
}

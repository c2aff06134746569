package helpers

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NatsPublish marshals payload as JSON and publishes it on subject,
// returning the number of bytes sent.
func NatsPublish(nc *nats.Conn, subject string, payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling payload for subject %s: %w", subject, err)
	}
	if err := nc.Publish(subject, data); err != nil {
		return 0, fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return len(data), nil
}

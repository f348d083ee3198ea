// JSON publish helpers.
//
// Envelope types live in the envelope package; the bus carries opaque
// bytes. These helpers keep the marshal step uniform at every publish
// site.
package commbus

import (
	"context"
	"encoding/json"
	"fmt"
)

// PublishJSON marshals v and publishes it to a topic.
func PublishJSON(ctx context.Context, p Producer, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for topic %s: %w", topic, err)
	}
	return p.Publish(ctx, topic, payload)
}

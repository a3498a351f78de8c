// Package publisher holds the wire envelope shared by event publishers.
package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

// Encode marshals payload to JSON and derives message attributes from it.
// Events carry their kind, source and target as attributes so subscribers can
// filter without decoding the body.
func Encode(payload any) ([]byte, map[string]string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{"content_type": "application/json"}
	var event *monitor.Event
	switch v := payload.(type) {
	case monitor.Event:
		event = &v
	case *monitor.Event:
		event = v
	}
	if event != nil {
		attrs["kind"] = string(event.Kind)
		if event.Source != "" {
			attrs["source"] = string(event.Source)
		}
		if event.SearchNumber != "" {
			attrs["search_number"] = event.SearchNumber
		}
	}
	return data, attrs, nil
}

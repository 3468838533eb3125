package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

// Frame is what goes over the socket in both directions.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscriptionPayload struct {
	Events []string `json:"events"`
}

var (
	frameSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1, "maxLength": 64}
  }
}`)

	subscriptionSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["type", "payload"],
  "properties": {
    "type": {"enum": ["subscribe", "unsubscribe"]},
    "payload": {
      "type": "object",
      "required": ["events"],
      "properties": {
        "events": {
          "type": "array",
          "maxItems": 64,
          "items": {"type": "string", "minLength": 1, "maxLength": 64}
        }
      }
    }
  }
}`)
)

func parseFrame(data []byte) (inboundFrame, error) {
	if err := validate(frameSchema, data); err != nil {
		return inboundFrame{}, err
	}
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFrame{}, err
	}
	return f, nil
}

func parseSubscription(data []byte) ([]string, error) {
	if err := validate(subscriptionSchema, data); err != nil {
		return nil, err
	}
	var f struct {
		Payload subscriptionPayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Payload.Events, nil
}

func validate(schema gojsonschema.JSONLoader, data []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return err
	}
	if !result.Valid() {
		if len(result.Errors()) > 0 {
			return fmt.Errorf("invalid frame: %s", result.Errors()[0].String())
		}
		return errors.New("invalid frame")
	}
	return nil
}

func errorFrame(msg string) Frame {
	return Frame{Type: TypeError, Payload: map[string]string{"message": msg}}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

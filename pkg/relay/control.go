package relay

import (
	"encoding/json"
	"strings"
)

// control payloads exchanged directly with clients, never forwarded upstream
var (
	pongReply          = []byte(`{"pong":true}`)
	setupCompleteReply = []byte(`{"setupComplete":{}}`)
)

const modelPathSeparator = "/models/"

func isPing(payload []byte) bool {
	var msg struct {
		Ping bool `json:"ping"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	return msg.Ping
}

func isSetup(payload []byte) bool {
	var msg struct {
		Setup json.RawMessage `json:"setup"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	return len(msg.Setup) > 0
}

// enforceModelID rewrites the model resource path inside a setup message to
// the configured model id, keeping the path prefix up to "/models/" intact.
// The client's requested model is never honored. Returns the payload,
// re-encoded when a rewrite happened.
func enforceModelID(payload []byte, modelID string) ([]byte, bool) {
	if modelID == "" {
		return payload, false
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return payload, false
	}
	setup, ok := msg["setup"].(map[string]interface{})
	if !ok {
		return payload, false
	}
	model, ok := setup["model"].(string)
	if !ok {
		return payload, false
	}
	idx := strings.Index(model, modelPathSeparator)
	if idx < 0 {
		return payload, false
	}

	setup["model"] = model[:idx] + modelPathSeparator + modelID
	encoded, err := json.Marshal(msg)
	if err != nil {
		return payload, false
	}
	return encoded, true
}

// extractClientTurnTexts pulls the text parts out of a clientContent message
// for transcript logging.
func extractClientTurnTexts(payload []byte) []string {
	var msg struct {
		ClientContent struct {
			Turns []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
		} `json:"clientContent"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil
	}

	var texts []string
	for _, turn := range msg.ClientContent.Turns {
		for _, part := range turn.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
	}
	return texts
}

// extractUpstreamTranscriptions returns the raw output/input transcription
// fragments of a serverContent frame, when present.
func extractUpstreamTranscriptions(payload []byte) (output, input string) {
	var msg struct {
		ServerContent struct {
			OutputTranscription json.RawMessage `json:"outputTranscription"`
			InputTranscription  json.RawMessage `json:"inputTranscription"`
		} `json:"serverContent"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", ""
	}
	return string(msg.ServerContent.OutputTranscription), string(msg.ServerContent.InputTranscription)
}

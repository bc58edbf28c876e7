package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openremote/openremote-sub007/errors"
)

// Prefix marks every federation message on the channel.
const Prefix = "EVENT:"

// Message is an event together with its correlation label.
type Message struct {
	ID    string
	Event Event
}

type header struct {
	EventType Kind   `json:"eventType"`
	MessageID string `json:"messageID,omitempty"`
}

// Encode renders msg in wire format.
func Encode(msg Message) (string, error) {
	if msg.Event == nil {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "Codec", "Encode", "encode nil event")
	}

	body, err := json.Marshal(msg.Event)
	if err != nil {
		return "", errors.WrapInvalid(err, "Codec", "Encode", "marshal "+string(msg.Event.Kind()))
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", errors.WrapInvalid(err, "Codec", "Encode", "flatten "+string(msg.Event.Kind()))
	}
	kind, _ := json.Marshal(msg.Event.Kind())
	fields["eventType"] = kind
	if msg.ID != "" {
		id, _ := json.Marshal(msg.ID)
		fields["messageID"] = id
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return "", errors.WrapInvalid(err, "Codec", "Encode", "marshal envelope")
	}
	return Prefix + string(out), nil
}

// Decode parses a wire message. Messages without the prefix or with an
// unknown event type fail with an invalid-class error.
func Decode(raw string) (Message, error) {
	if !strings.HasPrefix(raw, Prefix) {
		return Message{}, errors.WrapInvalid(
			fmt.Errorf("%w: missing %q prefix", errors.ErrParsingFailed, Prefix), "Codec", "Decode", "check prefix")
	}
	data := []byte(raw[len(Prefix):])

	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Message{}, errors.WrapInvalid(err, "Codec", "Decode", "parse header")
	}

	event, err := newEvent(h.EventType)
	if err != nil {
		return Message{}, err
	}
	if err := json.Unmarshal(data, event); err != nil {
		return Message{}, errors.WrapInvalid(err, "Codec", "Decode", "parse "+string(h.EventType))
	}
	return Message{ID: h.MessageID, Event: event}, nil
}

func newEvent(kind Kind) (Event, error) {
	switch kind {
	case KindCapabilitiesRequest:
		return &CapabilitiesRequest{}, nil
	case KindCapabilitiesResponse:
		return &CapabilitiesResponse{}, nil
	case KindInitialised:
		return &Initialised{}, nil
	case KindDisconnect:
		return &DisconnectNotice{}, nil
	case KindAsset:
		return &AssetEvent{}, nil
	case KindAttribute:
		return &AttributeEvent{}, nil
	case KindReadAssets:
		return &ReadAssets{}, nil
	case KindReadAsset:
		return &ReadAsset{}, nil
	case KindAssets:
		return &Assets{}, nil
	case KindTunnelStartRequest:
		return &TunnelStartRequest{}, nil
	case KindTunnelStartResponse:
		return &TunnelStartResponse{}, nil
	case KindTunnelStopRequest:
		return &TunnelStopRequest{}, nil
	case KindTunnelStopResponse:
		return &TunnelStopResponse{}, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown event type %q", errors.ErrParsingFailed, kind), "Codec", "Decode", "resolve event type")
	}
}

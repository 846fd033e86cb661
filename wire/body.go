package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Body kinds for the MessageBody tagged union.
const (
	BodyKindPlain      = "plain"
	BodyKindAttachment = "attachment"
)

// MessageBody is the tagged union carried inside an encrypted message: either
// plain text or a reference to a content-addressed attachment. It is encoded
// and decoded only at the serialization boundary.
type MessageBody struct {
	Kind string `json:"kind"`

	// Plain text, set when Kind == BodyKindPlain.
	Text string `json:"text,omitempty"`

	// Attachment reference, set when Kind == BodyKindAttachment.
	AttachmentID string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// PlainBody builds a plain-text message body.
func PlainBody(text string) MessageBody {
	return MessageBody{Kind: BodyKindPlain, Text: text}
}

// AttachmentBody builds an attachment-reference message body.
func AttachmentBody(id, name string, size int64) MessageBody {
	return MessageBody{Kind: BodyKindAttachment, AttachmentID: id, Name: name, Size: size}
}

// EncodeBody serializes a message body for encryption.
func EncodeBody(body MessageBody) ([]byte, error) {
	switch body.Kind {
	case BodyKindPlain:
		if body.AttachmentID != "" {
			return nil, errors.New("plain body carries an attachment id")
		}
	case BodyKindAttachment:
		if body.AttachmentID == "" {
			return nil, errors.New("attachment body missing id")
		}
	default:
		return nil, fmt.Errorf("unknown body kind %q", body.Kind)
	}
	return json.Marshal(body)
}

// DecodeBody parses a decrypted message body. Payloads that predate the
// tagged encoding (bare text) are accepted as plain bodies so old histories
// remain readable.
func DecodeBody(data []byte) (MessageBody, error) {
	if len(data) == 0 {
		return MessageBody{}, errors.New("empty body")
	}

	var body MessageBody
	if err := json.Unmarshal(data, &body); err != nil || body.Kind == "" {
		return PlainBody(string(data)), nil
	}

	switch body.Kind {
	case BodyKindPlain:
		return body, nil
	case BodyKindAttachment:
		if body.AttachmentID == "" {
			return MessageBody{}, errors.New("attachment body missing id")
		}
		return body, nil
	default:
		return MessageBody{}, fmt.Errorf("unknown body kind %q", body.Kind)
	}
}

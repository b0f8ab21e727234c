// ABOUTME: Pure classifier for inbound WhatsApp webhook payloads of several provider shapes
// ABOUTME: Produces a tagged Classification (message, status update, unsupported, unrecognized)

package webhook

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// UnknownContact is used when a payload carries no display name.
const UnknownContact = "unknown"

// ContentTypeText is the only content type processed downstream.
const ContentTypeText = "text"

// Kind tags a Classification.
type Kind int

const (
	KindMessage Kind = iota
	KindStatusUpdate
	KindUnsupported
	KindUnrecognized
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindStatusUpdate:
		return "status_update"
	case KindUnsupported:
		return "unsupported"
	case KindUnrecognized:
		return "unrecognized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Shape names the payload layout that matched.
type Shape string

const (
	ShapeNone     Shape = ""
	ShapeMessages Shape = "messages" // {"messages":[...],"contacts":[...]}
	ShapeMessage  Shape = "message"  // {"message":{...}}
	ShapeFlat     Shape = "flat"     // {"Body":..., "From":"whatsapp:+..."}
	ShapeEntry    Shape = "entry"    // {"entry":[{"changes":[{"value":{...}}]}]}
)

// InboundMessage is the canonical form of one inbound user message.
// FromPhoneRaw is provider-native and has not been canonicalized.
type InboundMessage struct {
	FromPhoneRaw      string
	Text              string
	ExternalMessageID string
	ContentType       string
	ContactName       string
}

// Classification is the result of Normalize. Message is set for
// KindMessage and, when extraction got that far, for KindUnsupported.
type Classification struct {
	Kind    Kind
	Shape   Shape
	Message *InboundMessage
	Reason  string
}

// Normalize classifies one webhook payload. Shapes are tried in priority
// order and the first match wins. It never fails: missing or malformed
// fields produce KindUnsupported or KindUnrecognized.
func Normalize(payload []byte) Classification {
	if !gjson.ValidBytes(payload) {
		return Classification{Kind: KindUnrecognized, Reason: "invalid JSON"}
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Classification{Kind: KindUnrecognized, Reason: "payload is not an object"}
	}

	if first := root.Get("messages.0"); root.Get("messages").IsArray() && first.Exists() {
		return fromMessage(ShapeMessages, first, root.Get("contacts.0.profile.name").String())
	}

	if m := root.Get("message"); m.IsObject() {
		return fromMessage(ShapeMessage, m, "")
	}

	if body, from := root.Get("Body"), root.Get("From"); body.Exists() && from.Exists() {
		return fromFlat(root)
	}

	if value := root.Get("entry.0.changes.0.value"); value.Exists() {
		messages := value.Get("messages")
		if value.Get("statuses").Exists() && !messages.Exists() {
			return Classification{Kind: KindStatusUpdate, Shape: ShapeEntry}
		}
		if first := messages.Get("0"); first.Exists() {
			return fromMessage(ShapeEntry, first, value.Get("contacts.0.profile.name").String())
		}
		return Classification{Kind: KindUnrecognized, Shape: ShapeEntry, Reason: "change value has neither messages nor statuses"}
	}

	return Classification{Kind: KindUnrecognized, Reason: "no known message shape"}
}

func fromMessage(shape Shape, m gjson.Result, name string) Classification {
	text := m.Get("text.body")
	contentType := m.Get("type").String()
	if contentType == "" && text.Exists() {
		contentType = ContentTypeText
	}

	return classify(shape, &InboundMessage{
		FromPhoneRaw:      m.Get("from").String(),
		Text:              strings.TrimSpace(text.String()),
		ExternalMessageID: m.Get("id").String(),
		ContentType:       contentType,
		ContactName:       name,
	})
}

func fromFlat(root gjson.Result) Classification {
	from := root.Get("From").String()
	from = strings.TrimPrefix(from, "whatsapp:")
	from = strings.ReplaceAll(from, "+", "")

	contentType := ContentTypeText
	if root.Get("NumMedia").Int() > 0 {
		contentType = "media"
	}

	return classify(ShapeFlat, &InboundMessage{
		FromPhoneRaw:      from,
		Text:              strings.TrimSpace(root.Get("Body").String()),
		ExternalMessageID: root.Get("MessageSid").String(),
		ContentType:       contentType,
		ContactName:       root.Get("ProfileName").String(),
	})
}

// classify applies the rules shared by every shape.
func classify(shape Shape, msg *InboundMessage) Classification {
	if msg.ContactName == "" {
		msg.ContactName = UnknownContact
	}

	c := Classification{Kind: KindMessage, Shape: shape, Message: msg}
	switch {
	case msg.ContentType != ContentTypeText:
		c.Kind = KindUnsupported
		c.Reason = fmt.Sprintf("unsupported content type %q", msg.ContentType)
	case msg.FromPhoneRaw == "":
		c.Kind = KindUnsupported
		c.Reason = "missing sender"
	case msg.Text == "":
		c.Kind = KindUnsupported
		c.Reason = "empty text"
	}
	return c
}

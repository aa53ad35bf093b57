package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Message is one protocol-level message or notification.
//
// ID is negative while the message is pending local delivery and becomes the
// server-assigned non-negative id once acknowledged. OldID keeps the id held
// before the most recent renumbering.
type Message struct {
	ID    int64
	OldID int64

	SenderID    string
	RecipientID string
	AppID       string

	ProtocolCommand Command
	ProtocolType    MessageType

	DatetimeCreation float64
	DatetimeOrder    float64

	Props  map[string]any
	Params map[string]any

	// Text is the plaintext of an encrypted message, or the wire form of an
	// unencrypted one (see Body).
	Text          string
	EncryptedText string

	ReadByUser bool
}

// MessageRecord is the flat storage representation of a Message.
type MessageRecord struct {
	ID               int64
	OldID            int64
	SenderID         string
	RecipientID      string
	AppID            string
	ProtocolCommand  int
	ProtocolType     int
	DatetimeCreation float64
	DatetimeOrder    float64
	Props            string
	Params           string
	Text             string
	EncryptedText    string
	ReadByUser       bool
}

// NewLocalID returns a pending id: the negated concatenation of the unix
// seconds of now and a three-digit random suffix.
func NewLocalID(now time.Time) int64 {
	digits := strconv.FormatInt(now.Unix(), 10) + fmt.Sprintf("%03d", rand.IntN(1000))
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return -now.UnixMilli()
	}
	return -id
}

// NewOutgoingMessage builds a pending message authored locally.
func NewOutgoingMessage(now time.Time, senderID, recipientID string, cmd Command, msgType MessageType) *Message {
	ts := UnixSeconds(now)
	return &Message{
		ID:               NewLocalID(now),
		SenderID:         senderID,
		RecipientID:      recipientID,
		ProtocolCommand:  cmd,
		ProtocolType:     msgType,
		DatetimeCreation: ts,
		DatetimeOrder:    ts,
		Props:            map[string]any{},
		Params:           map[string]any{},
		ReadByUser:       true,
	}
}

// MessageFromWire builds a Message from the args object of an inbound frame.
// A missing app_id defaults to defaultAppID.
func MessageFromWire(cmd Command, args []byte, defaultAppID string) *Message {
	parsed := gjson.ParseBytes(args)

	msg := &Message{
		ID:               parsed.Get("id").Int(),
		OldID:            parsed.Get("oid").Int(),
		SenderID:         parsed.Get("sid").String(),
		RecipientID:      parsed.Get("rid").String(),
		AppID:            parsed.Get("app_id").String(),
		ProtocolCommand:  cmd,
		ProtocolType:     MessageType(parsed.Get("type").Int()),
		DatetimeCreation: parsed.Get("datetime").Float(),
		EncryptedText:    parsed.Get("msg").String(),
		Props:            objectMap(parsed.Get("props")),
		Params:           objectMap(parsed.Get("params")),
	}
	if msg.AppID == "" {
		msg.AppID = defaultAppID
	}
	msg.DatetimeOrder = msg.DatetimeCreation
	if order := parsed.Get("datetime_order"); order.Exists() {
		msg.DatetimeOrder = order.Float()
	}
	msg.Text = msg.EncryptedText
	return msg
}

// MessageFromRecord rebuilds a Message from its storage representation.
func MessageFromRecord(record MessageRecord) (*Message, error) {
	msg := &Message{
		ID:               record.ID,
		OldID:            record.OldID,
		SenderID:         record.SenderID,
		RecipientID:      record.RecipientID,
		AppID:            record.AppID,
		ProtocolCommand:  Command(record.ProtocolCommand),
		ProtocolType:     MessageType(record.ProtocolType),
		DatetimeCreation: record.DatetimeCreation,
		DatetimeOrder:    record.DatetimeOrder,
		Text:             record.Text,
		EncryptedText:    record.EncryptedText,
		ReadByUser:       record.ReadByUser,
		Props:            map[string]any{},
		Params:           map[string]any{},
	}
	if record.Props != "" {
		if err := json.Unmarshal([]byte(record.Props), &msg.Props); err != nil {
			return nil, fmt.Errorf("decode props of message %d: %w", record.ID, err)
		}
	}
	if record.Params != "" {
		if err := json.Unmarshal([]byte(record.Params), &msg.Params); err != nil {
			return nil, fmt.Errorf("decode params of message %d: %w", record.ID, err)
		}
	}
	return msg, nil
}

// Record flattens the message for storage.
func (m *Message) Record() (MessageRecord, error) {
	props, err := json.Marshal(nonNilMap(m.Props))
	if err != nil {
		return MessageRecord{}, fmt.Errorf("encode props of message %d: %w", m.ID, err)
	}
	params, err := json.Marshal(nonNilMap(m.Params))
	if err != nil {
		return MessageRecord{}, fmt.Errorf("encode params of message %d: %w", m.ID, err)
	}
	return MessageRecord{
		ID:               m.ID,
		OldID:            m.OldID,
		SenderID:         m.SenderID,
		RecipientID:      m.RecipientID,
		AppID:            m.AppID,
		ProtocolCommand:  int(m.ProtocolCommand),
		ProtocolType:     int(m.ProtocolType),
		DatetimeCreation: m.DatetimeCreation,
		DatetimeOrder:    m.DatetimeOrder,
		Props:            string(props),
		Params:           string(params),
		Text:             m.Text,
		EncryptedText:    m.EncryptedText,
		ReadByUser:       m.ReadByUser,
	}, nil
}

// WireArgs returns the args object sent in an outgoing MESSAGE frame.
func (m *Message) WireArgs() map[string]any {
	args := map[string]any{
		"id":       strconv.FormatInt(m.ID, 10),
		"sid":      m.SenderID,
		"rid":      m.RecipientID,
		"msg":      m.EncryptedText,
		"type":     int(m.ProtocolType),
		"datetime": m.DatetimeCreation,
		"props":    nonNilMap(m.Props),
		"params":   nonNilMap(m.Params),
	}
	if m.OldID != 0 {
		args["oid"] = strconv.FormatInt(m.OldID, 10)
	}
	return args
}

// Renumber moves the message to its server-assigned id.
func (m *Message) Renumber(newID int64) {
	if m.ID == newID {
		return
	}
	m.OldID = m.ID
	m.ID = newID
}

// IsPending reports whether the message still waits for acknowledgement.
func (m *Message) IsPending() bool { return m.ID < 0 }

// IsGroup reports whether the message is addressed to a group.
func (m *Message) IsGroup() bool { return IsGroupID(m.RecipientID) }

// ConversationID returns the conversation the message belongs to from the
// point of view of myID.
func (m *Message) ConversationID(myID string) string {
	if m.IsGroup() || m.SenderID == myID {
		return m.RecipientID
	}
	return m.SenderID
}

// KeyPeer returns the id whose symmetric key protects this message: the
// group for group messages, otherwise the sender.
func (m *Message) KeyPeer() string {
	if m.IsGroup() {
		return m.RecipientID
	}
	return m.SenderID
}

// IsEncrypted reports whether props mark the payload as encrypted.
func (m *Message) IsEncrypted() bool { return truthy(m.Props[PropEncrypted]) }

// Encoding returns props.encoding.
func (m *Message) Encoding() string { return m.PropString(PropEncoding) }

// Compression returns props.cmpr.
func (m *Message) Compression() string { return m.PropString(PropCompression) }

// Body returns the readable content: unencrypted base64 payloads are decoded,
// everything else is returned as stored.
func (m *Message) Body() string {
	if m.IsEncrypted() || m.Encoding() != EncodingBase64 {
		return m.Text
	}
	decoded, err := base64.StdEncoding.DecodeString(m.Text)
	if err != nil {
		return m.Text
	}
	return string(decoded)
}

// PropString returns a props value as a string.
func (m *Message) PropString(key string) string {
	switch v := m.Props[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// PropInt returns a props value as an integer; numeric strings are parsed.
func (m *Message) PropInt(key string) int64 {
	switch v := m.Props[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	default:
		return 0
	}
}

// IsGroupID reports whether id names a group conversation.
func IsGroupID(id string) bool { return strings.HasPrefix(id, GroupPrefix) }

// UnixSeconds converts t to fractional unix seconds as used on the wire.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func objectMap(value gjson.Result) map[string]any {
	if value.Type == gjson.String {
		value = gjson.Parse(value.String())
	}
	if !value.IsObject() {
		return map[string]any{}
	}
	out, ok := value.Value().(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return out
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	default:
		return false
	}
}

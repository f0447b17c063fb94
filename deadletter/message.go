package deadletter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Headers written by the messaging fabric
const (
	HeaderMatsMessageID = "mats_MsgId"
	HeaderTraceID       = "mats_TraceId"
	HeaderTo            = "mats_To"
	HeaderFrom          = "mats_From"
	HeaderMessageType   = "mats_MsgType"
	HeaderDispatchType  = "mats_DispatchType"
	HeaderAudit         = "mats_Audit"
)

// Headers written by dead-letter actions
const (
	HeaderLastOperationUser = "mats_dlq_LastOperationUser"
	HeaderMuteComment       = "mats_dlq_MuteComment"
	HeaderOperationCookie   = "mats_dlq_OperationCookie"
	HeaderReissuedFrom      = "mats_dlq_ReissuedFromMsgSysId"
)

// RabbitMQ dead-lettering headers, cleared on republish
const (
	headerXDeath          = "x-death"
	headerXFirstDeathPfx  = "x-first-death-"
	headerXLastDeathPfx   = "x-last-death-"
	contentHashIDPrefix   = "sha256:"
	contentHashIDByteSize = 8
)

// Metadata identifies a dead-lettered message and where it came from
type Metadata struct {
	MessageSystemID         string `json:"msgSysMsgId"`
	ReissuedMessageSystemID string `json:"reissuedMsgSysMsgId,omitempty"`
	MatsMessageID           string `json:"matsMsgId,omitempty"`
	TraceID                 string `json:"traceId,omitempty"`
	ToStageID               string `json:"toStageId,omitempty"`
}

// Message is a browsed dead-letter message. Body holds the raw trace bytes.
type Message struct {
	Metadata
	FromStageID   string     `json:"fromStageId,omitempty"`
	MessageType   string     `json:"messageType,omitempty"`
	DispatchType  string     `json:"dispatchType,omitempty"`
	Audit         bool       `json:"audit"`
	DeliveryCount int64      `json:"deliveryCount"`
	DeathReason   string     `json:"deathReason,omitempty"`
	DeathQueue    string     `json:"deathQueue,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
	Expiration    string     `json:"expiration,omitempty"`
	Persistent    bool       `json:"persistent"`
	Priority      uint8      `json:"priority"`
	ContentType   string     `json:"contentType,omitempty"`
	Headers       amqp.Table `json:"headers,omitempty"`
	Body          []byte     `json:"body,omitempty"`
}

// SystemID returns the broker-level id of a delivery. Messages published
// without a message id are identified by a hash of their body, timestamp and
// headers other than the dead-letter history. Fully identical copies still
// share an id.
func SystemID(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	h := sha256.New()
	h.Write(d.Body)
	fmt.Fprintf(h, "\x00%s\x00%s", d.Timestamp.UTC().Format(time.RFC3339Nano), d.CorrelationId)
	keys := make([]string, 0, len(d.Headers))
	for k := range d.Headers {
		if !isDeathHeader(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%v", k, d.Headers[k])
	}
	sum := h.Sum(nil)
	return contentHashIDPrefix + hex.EncodeToString(sum[:contentHashIDByteSize])
}

func isDeathHeader(k string) bool {
	return k == headerXDeath || strings.HasPrefix(k, headerXFirstDeathPfx) || strings.HasPrefix(k, headerXLastDeathPfx)
}

// MetadataOf extracts the metadata embedded in a delivery
func MetadataOf(d amqp.Delivery) Metadata {
	return Metadata{
		MessageSystemID: SystemID(d),
		MatsMessageID:   headerString(d.Headers, HeaderMatsMessageID),
		TraceID:         headerString(d.Headers, HeaderTraceID),
		ToStageID:       headerString(d.Headers, HeaderTo),
	}
}

// MessageOf converts a delivery into a Message
func MessageOf(d amqp.Delivery) *Message {
	m := &Message{
		Metadata:     MetadataOf(d),
		FromStageID:  headerString(d.Headers, HeaderFrom),
		MessageType:  headerString(d.Headers, HeaderMessageType),
		DispatchType: headerString(d.Headers, HeaderDispatchType),
		Audit:        headerBool(d.Headers, HeaderAudit),
		Timestamp:    d.Timestamp,
		Expiration:   d.Expiration,
		Persistent:   d.DeliveryMode == amqp.Persistent,
		Priority:     d.Priority,
		ContentType:  d.ContentType,
		Headers:      d.Headers,
		Body:         d.Body,
	}
	if death, ok := firstDeath(d.Headers); ok {
		m.DeathReason, _ = death["reason"].(string)
		m.DeathQueue, _ = death["queue"].(string)
		m.DeliveryCount = toInt64(death["count"])
	}
	return m
}

// firstDeath returns the most recent x-death entry
func firstDeath(h amqp.Table) (amqp.Table, bool) {
	deaths, ok := h[headerXDeath].([]interface{})
	if !ok || len(deaths) == 0 {
		return nil, false
	}
	death, ok := deaths[0].(amqp.Table)
	return death, ok
}

// republication copies d for publishing elsewhere, dropping the dead-letter history
func republication(d amqp.Delivery) amqp.Publishing {
	headers := make(amqp.Table, len(d.Headers))
	for k, v := range d.Headers {
		if isDeathHeader(k) {
			continue
		}
		headers[k] = v
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

func headerString(h amqp.Table, key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func headerBool(h amqp.Table, key string) bool {
	switch v := h[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return 0
	}
}

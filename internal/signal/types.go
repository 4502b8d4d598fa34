package signal

import "encoding/json"

// Message is one decoded frame from the signal-cli-rest-api receive socket.
// Raw holds the original frame bytes so downstream consumers (the event bus)
// get the payload exactly as the service emitted it.
type Message struct {
	Envelope Envelope `json:"envelope"`
	Account  string   `json:"account,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Envelope is the metadata wrapper around every inbound frame.
type Envelope struct {
	Source       string       `json:"source,omitempty"`
	SourceNumber string       `json:"sourceNumber,omitempty"`
	SourceUUID   string       `json:"sourceUuid,omitempty"`
	SourceName   string       `json:"sourceName,omitempty"`
	Timestamp    int64        `json:"timestamp,omitempty"`
	DataMessage  *DataMessage `json:"dataMessage,omitempty"`
}

// DataMessage is the actual chat message inside an envelope. Frames carrying
// receipts, typing indicators or sync events have no DataMessage.
type DataMessage struct {
	Message   string     `json:"message"`
	Timestamp int64      `json:"timestamp,omitempty"`
	GroupInfo *GroupInfo `json:"groupInfo,omitempty"`
}

// GroupInfo identifies the group a message was posted in.
type GroupInfo struct {
	GroupID string `json:"groupId"`
}

// IsDataMessage reports whether the frame carries an actual chat message.
// Everything else (receipts, typing indicators, sync events) is dropped
// before reaching the registered handler.
func (m *Message) IsDataMessage() bool {
	return m.Envelope.DataMessage != nil && m.Envelope.DataMessage.Message != ""
}

// sendRequest is the POST /v2/send payload.
type sendRequest struct {
	Recipients        []string `json:"recipients"`
	Message           string   `json:"message"`
	Number            string   `json:"number"`
	Base64Attachments []string `json:"base64_attachments,omitempty"`
	TextMode          string   `json:"text_mode,omitempty"`
}

// SendResponse is the normalized result of one send call. The service
// answers with JSON on some deployments and plain text on others; when the
// body is not JSON, Raw carries the text and Success is forced to true.
type SendResponse struct {
	Timestamp json.Number `json:"timestamp,omitempty"`
	Success   bool        `json:"success,omitempty"`
	Raw       string      `json:"response,omitempty"`
}

// AboutInfo is the GET /v1/about response, used for connectivity probes.
type AboutInfo struct {
	Version  string   `json:"version,omitempty"`
	Build    int      `json:"build,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Versions []string `json:"versions,omitempty"`
}

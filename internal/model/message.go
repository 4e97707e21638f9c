package model

// MessageType identifies a TSAE wire message
type MessageType int32

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeAERequest
	MessageTypeOperation
	MessageTypeEndTSAE
)

// String returns the protocol name of the message type
func (t MessageType) String() string {
	switch t {
	case MessageTypeAERequest:
		return "AE_REQUEST"
	case MessageTypeOperation:
		return "OPERATION"
	case MessageTypeEndTSAE:
		return "END_TSAE"
	default:
		return "UNKNOWN"
	}
}

// VectorSnapshot is the value form of a vector clock: origin -> highest seq seen
type VectorSnapshot map[ReplicaID]int64

// AckSnapshot is the value form of an ack matrix: replica -> its vector
type AckSnapshot map[ReplicaID]VectorSnapshot

// Message is a single frame exchanged during an anti-entropy session.
// Summary and Ack are set for AE_REQUEST, Operation for OPERATION.
type Message struct {
	Type      MessageType
	SessionID string
	Summary   VectorSnapshot
	Ack       AckSnapshot
	Operation Operation
}

// NewAERequest builds an AE_REQUEST carrying the sender's summary and ack
func NewAERequest(sessionID string, summary VectorSnapshot, ack AckSnapshot) *Message {
	return &Message{
		Type:      MessageTypeAERequest,
		SessionID: sessionID,
		Summary:   summary,
		Ack:       ack,
	}
}

// NewOperationMessage builds an OPERATION frame
func NewOperationMessage(sessionID string, op Operation) *Message {
	return &Message{
		Type:      MessageTypeOperation,
		SessionID: sessionID,
		Operation: op,
	}
}

// NewEndTSAE builds the END_TSAE frame closing a session
func NewEndTSAE(sessionID string) *Message {
	return &Message{
		Type:      MessageTypeEndTSAE,
		SessionID: sessionID,
	}
}

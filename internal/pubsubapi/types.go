package pubsubapi

// ReplayPreset selects where a Subscribe call starts consuming from when no
// stored replay id is available.
type ReplayPreset int32

const (
	ReplayLatest ReplayPreset = iota
	ReplayEarliest
	ReplayCustom
)

func (p ReplayPreset) String() string {
	switch p {
	case ReplayEarliest:
		return "EARLIEST"
	case ReplayCustom:
		return "CUSTOM"
	default:
		return "LATEST"
	}
}

// TopicInfo is the response to GetTopic.
type TopicInfo struct {
	TopicName string `json:"topic_name"`
	SchemaID  string `json:"schema_id"`
}

// SchemaInfo is the response to GetSchema.
type SchemaInfo struct {
	SchemaID   string `json:"schema_id"`
	SchemaJSON string `json:"schema_json"`
}

// FetchRequest is one credit-flow message sent on a Subscribe stream. Only
// the first message of a stream needs TopicName/ReplayPreset/ReplayID set;
// subsequent messages may carry only NumRequested to refill credit.
type FetchRequest struct {
	TopicName    string       `json:"topic_name,omitempty"`
	ReplayPreset ReplayPreset `json:"replay_preset,omitempty"`
	ReplayID     []byte       `json:"replay_id,omitempty"`
	NumRequested int32        `json:"num_requested"`
}

// ConsumerEvent is one decoded-schema, still Avro-encoded-payload event
// delivered inside a FetchResponse.
type ConsumerEvent struct {
	SchemaID string `json:"schema_id"`
	Payload  []byte `json:"payload"`
	ReplayID []byte `json:"replay_id"`
}

// FetchResponse is one message received on a Subscribe stream.
type FetchResponse struct {
	Events              []ConsumerEvent `json:"events"`
	PendingNumRequested int32           `json:"pending_num_requested"`
}

type topicRequest struct {
	TopicName string `json:"topic_name"`
}

type schemaRequest struct {
	SchemaID string `json:"schema_id"`
}

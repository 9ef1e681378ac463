package link

// Action identifies the kind of control or data message carried on a channel.
type Action string

const (
	// Page observer -> coordinator
	ActionSpaceDetected    Action = "spaceDetected"
	ActionSpaceEnded       Action = "spaceEnded"
	ActionSaveChunk        Action = "saveChunk"
	ActionSaveRecording    Action = "saveRecording"
	ActionRecordingStarted Action = "recordingStarted"
	ActionRecordingStopped Action = "recordingStopped"
	ActionRecordingError   Action = "recordingError"
	ActionRecordingSaved   Action = "recordingSaved"

	// Panel -> coordinator
	ActionStartRecording Action = "startRecording"
	ActionStopRecording  Action = "stopRecording"
	ActionUserInput      Action = "userInput"
)

// Message is the envelope exchanged between contexts. It mirrors the wire
// shape the panel consumes, so it serializes directly onto the event stream.
// Unused fields are omitted per action.
type Message struct {
	Action    Action `json:"action,omitempty"`
	Selector  string `json:"selector,omitempty"`
	Error     string `json:"error,omitempty"`
	AudioData string `json:"audioData,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Size      int    `json:"size,omitempty"`
	UserInput string `json:"userInput,omitempty"`
	Answer    string `json:"answer,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

package models

import "time"

// MessageType tags a data-channel payload
type MessageType string

const (
	MessageSpeech      MessageType = "speech"
	MessageTranslation MessageType = "translation"
	MessagePresence    MessageType = "presence"
	MessageJoin        MessageType = "join" // Older clients announce with "join"
)

// Message is a peer-to-peer payload carried over the data channel.
// ID is the utterance handle shared by a speech message and its translation.
type Message struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
	Text string      `json:"text,omitempty"`
	Name string      `json:"name,omitempty"`
	Lang string      `json:"lang,omitempty"`
}

// TranscriptEntry is one utterance in a session transcript
type TranscriptEntry struct {
	ID             string    `json:"id"`
	PeerID         string    `json:"peerId,omitempty"`
	Speaker        string    `json:"speaker"`
	OriginalText   string    `json:"originalText"`
	TranslatedText string    `json:"translatedText"`
	SourceLang     string    `json:"sourceLang"`
	Timestamp      time.Time `json:"timestamp"`
	Local          bool      `json:"local"`
}

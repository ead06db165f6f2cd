package stt

// TranscriptionResult represents a transcription result from Deepgram
type TranscriptionResult struct {
	// Text is the transcribed text of the current segment
	Text string

	// IsFinal indicates if this segment is final (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64
}

// STTClient is the interface for speech-to-text clients
type STTClient interface {
	// Start begins a new continuous transcription session
	Start() error

	// SendAudio sends an audio chunk to the STT service
	SendAudio(audioData []byte) error

	// GetTranscription returns the stream of interim and final results
	GetTranscription() <-chan *TranscriptionResult

	// Errors returns recognition errors. The session is already inactive
	// when an error is delivered.
	Errors() <-chan error

	// Stop stops the transcription session
	Stop() error

	// Close closes the client and cleans up resources
	Close() error
}

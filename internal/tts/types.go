package tts

import "context"

// TTSClient converts text to 16-bit mono PCM at the widget's playback rate
type TTSClient interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Sink receives one playback frame. The frame is reused after Sink returns,
// so implementations must not retain it.
type Sink func(frame []byte) error

package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy above which a frame counts as speech
	SilenceFrames   int     // consecutive silent frames that end an utterance
}

// DefaultVADConfig returns the default detector settings
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
	}
}

// Activity is the transition reported for one frame
type Activity int

const (
	ActivityNone Activity = iota
	ActivitySpeechStarted
	ActivitySpeechEnded
)

func (a Activity) String() string {
	switch a {
	case ActivitySpeechStarted:
		return "speech_started"
	case ActivitySpeechEnded:
		return "speech_ended"
	default:
		return "none"
	}
}

// VADDetector tracks speech on the microphone stream. Its hints drive the
// widget's talking indicator only; recognition still decides the text.
// Not safe for concurrent use.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a detector; nil config uses the defaults
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies one frame and reports any transition
func (v *VADDetector) ProcessFrame(samples []int16) Activity {
	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			v.isSpeaking = true
			return ActivitySpeechStarted
		}
		return ActivityNone
	}

	v.silenceCounter++
	if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
		v.isSpeaking = false
		v.silenceCounter = 0
		return ActivitySpeechEnded
	}
	return ActivityNone
}

// ProcessPCM decodes 16-bit PCM and classifies it as one frame
func (v *VADDetector) ProcessPCM(pcm []byte) (Activity, error) {
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return ActivityNone, err
	}
	return v.ProcessFrame(samples), nil
}

// Reset clears the detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

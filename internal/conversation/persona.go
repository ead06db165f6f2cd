package conversation

import "fmt"

// FallbackReply replaces the model answer whenever the remote call fails
const FallbackReply = "I'm sorry, I encountered an error. Please try again."

const defaultCompanionName = "GeminiMind"

// Persona is the fixed behavioural setup of the assistant
type Persona struct {
	Name              string
	Greeting          string
	SystemInstruction string
}

// NewPersona builds the greeting and system instruction for a companion name
func NewPersona(name string) Persona {
	if name == "" {
		name = defaultCompanionName
	}
	return Persona{
		Name: name,
		Greeting: fmt.Sprintf(
			"Hello! I'm %s, your AI companion for mental wellness. How are you feeling today?", name),
		SystemInstruction: fmt.Sprintf(`You are %s, an AI companion that supports people with their mental wellness.
Respond with empathy and warmth, and never judge the person you are talking to.
Be open about the fact that you are an AI and not a licensed therapist or doctor.
When someone describes persistent distress, encourage them to reach out to a qualified mental health professional.
If someone may be in danger or in crisis, urge them to contact local emergency services or a crisis hotline right away.
Keep replies supportive, clear and conversational.`, name),
	}
}

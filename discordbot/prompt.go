package discordbot

import (
	"strings"
)

// Prompt is the payload sent to a model: either a TextPrompt or a
// MultipartPrompt. Backends switch on the concrete type.
type Prompt interface {
	prompt()

	// Text returns the prompt's text content, without images
	Text() string
}

// TextPrompt is used when no fragment carries an image.
type TextPrompt string

func (TextPrompt) prompt() {}

func (p TextPrompt) Text() string {
	return string(p)
}

// MultipartPrompt interleaves images and text. Each fragment's images
// come immediately before that fragment's text.
type MultipartPrompt []PromptPart

func (MultipartPrompt) prompt() {}

func (p MultipartPrompt) Text() string {
	texts := make([]string, 0, len(p))
	for _, part := range p {
		if t, ok := part.(TextPart); ok {
			texts = append(texts, string(t))
		}
	}
	return strings.Join(texts, "\n")
}

// ImageCount returns the number of ImagePart entries
func (p MultipartPrompt) ImageCount() int {
	n := 0
	for _, part := range p {
		if _, ok := part.(ImagePart); ok {
			n++
		}
	}
	return n
}

// PromptPart is a TextPart or an ImagePart.
type PromptPart interface {
	promptPart()
}

type TextPart string

func (TextPart) promptPart() {}

type ImagePart struct {
	Image
}

func (ImagePart) promptPart() {}

// AssemblePrompt builds the model payload from conv, in order. If any
// fragment has images the result is a MultipartPrompt, otherwise the
// fragment texts are joined with newlines into a TextPrompt.
func AssemblePrompt(conv ConversationContext) Prompt {
	if !conv.HasImages() {
		texts := make([]string, len(conv))
		for i, frag := range conv {
			texts[i] = frag.Text()
		}
		return TextPrompt(strings.Join(texts, "\n"))
	}

	parts := make(MultipartPrompt, 0, len(conv)*2)
	for _, frag := range conv {
		for _, img := range frag.Images {
			parts = append(parts, ImagePart{Image: img})
		}
		parts = append(parts, TextPart(frag.Text()))
	}
	return parts
}

// withTrigger returns a new context with the trigger fragment last. prior
// is not modified.
func withTrigger(prior ConversationContext, trigger ContextFragment) ConversationContext {
	conv := make(ConversationContext, 0, len(prior)+1)
	conv = append(conv, prior...)
	return append(conv, trigger)
}

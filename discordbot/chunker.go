package discordbot

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// a run of terminators plus any whitespace following it ends a sentence
var sentenceEnd = regexp.MustCompile(`[.!?]+\s*`)

// ChunkText splits text into segments of at most maxLen characters,
// breaking only between sentences. A single sentence longer than maxLen
// becomes its own oversized segment. Joining the result yields text.
func ChunkText(text string, maxLen int) []string {
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0
	for _, sentence := range splitSentences(text) {
		n := utf8.RuneCountInString(sentence)
		if currentLen > 0 && currentLen+n > maxLen {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
		current.WriteString(sentence)
		currentLen += n
	}
	if currentLen > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// splitSentences returns the sentences of text, each including its
// terminators and trailing whitespace. Text after the last terminator is
// returned as a final sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		sentences = append(sentences, text[start:loc[1]])
		start = loc[1]
	}
	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

// MessageSender is the subset of *discordgo.Session used to deliver replies.
type MessageSender interface {
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// replyAllowedMentions lets replies ping users (including the author
// being replied to) but never roles or @everyone.
func replyAllowedMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{
		Parse:       []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		RepliedUser: true,
	}
}

// deliverChunks sends chunks in order. The first is sent as a reply to
// reference, when set; the rest are plain messages. Delivery stops at
// the first error.
func deliverChunks(
	ctx context.Context,
	sender MessageSender,
	channelID string,
	reference *discordgo.MessageReference,
	chunks []string,
) ([]*discordgo.Message, error) {
	sent := make([]*discordgo.Message, 0, len(chunks))
	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		data := &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: replyAllowedMentions(),
		}
		if len(sent) == 0 && reference != nil {
			data.Reference = reference
		}
		msg, err := sender.ChannelMessageSendComplex(
			channelID,
			data,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return sent, fmt.Errorf("sending chunk %d/%d: %w", i+1, len(chunks), err)
		}
		sent = append(sent, msg)
	}
	return sent, nil
}

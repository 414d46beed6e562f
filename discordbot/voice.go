package discordbot

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Synthesized speech is 24kHz signed 16-bit little-endian mono PCM
const (
	ttsSampleRate    = 24000
	ttsChannels      = 1
	ttsBitsPerSample = 16

	ttsMessagePrefix = "~"
	ttsFilename      = "tts.wav"
)

var errBotNotInVoice = errors.New("bot is not in a voice channel")

// SpeechSynthesizer turns text into raw PCM audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// pcmToWAV wraps raw PCM samples in a canonical 44-byte RIFF/WAVE header.
func pcmToWAV(pcm []byte) []byte {
	const headerSize = 44
	blockAlign := ttsChannels * ttsBitsPerSample / 8
	byteRate := ttsSampleRate * blockAlign

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(ttsChannels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(ttsSampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(ttsBitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// botVoiceChannel returns the voice channel the bot is connected to in
// guildID.
func (b *Bot) botVoiceChannel(guildID string) (string, error) {
	botUser := b.discord.session.BotUser()
	if botUser == nil || guildID == "" {
		return "", errBotNotInVoice
	}
	channelID, err := b.discord.session.UserVoiceChannel(guildID, botUser.ID)
	if errors.Is(err, ErrNotInVoice) {
		return "", errBotNotInVoice
	}
	return channelID, err
}

// speak synthesizes text and posts it as a WAV attachment to the text
// chat of the bot's voice channel, attributed to userID.
func (b *Bot) speak(
	ctx context.Context,
	p *pipeline,
	guildID string,
	userID string,
	text string,
) error {
	channelID, err := b.botVoiceChannel(guildID)
	if err != nil {
		return err
	}
	b.metrics.IncTrigger(TriggerTTS)

	pcm, err := p.backend.Synthesize(ctx, text)
	if err != nil {
		return fmt.Errorf("synthesizing speech: %w", err)
	}
	_, err = b.discord.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content:         fmt.Sprintf("<@%s>: %s", userID, text),
			AllowedMentions: replyAllowedMentions(),
			Files: []*discordgo.File{
				{
					Name:        ttsFilename,
					ContentType: "audio/wav",
					Reader:      bytes.NewReader(pcmToWAV(pcm)),
				},
			},
		},
		discordgo.WithContext(ctx),
	)
	return err
}

// isTTSMessage reports whether content starts with the speech prefix.
// "~~" opens strikethrough markdown and is not a request.
func isTTSMessage(content string) bool {
	return strings.HasPrefix(content, ttsMessagePrefix) &&
		!strings.HasPrefix(content, ttsMessagePrefix+ttsMessagePrefix)
}

// handleTTSMessage speaks a message prefixed with "~" (or "~ ").
func (b *Bot) handleTTSMessage(ctx context.Context, p *pipeline, m *discordgo.Message) {
	logger := loggerFrom(ctx, b.logger).With("trigger", TriggerTTS)
	text := strings.TrimPrefix(strings.TrimPrefix(m.Content, ttsMessagePrefix), " ")
	if strings.TrimSpace(text) == "" {
		return
	}

	reply := "TTS complete."
	start := time.Now()
	if err := b.speak(ctx, p, m.GuildID, m.Author.ID, text); err != nil {
		switch {
		case errors.Is(err, errBotNotInVoice):
			reply = messageNotInVC
		default:
			logger.ErrorContext(ctx, "text to speech failed", tint.Err(err))
			reply = "Sorry, I couldn't generate speech for that."
		}
	} else {
		logger.InfoContext(ctx, "spoke message", "duration", time.Since(start))
	}

	if _, err := b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:         reply,
			Reference:       m.Reference(),
			AllowedMentions: replyAllowedMentions(),
		},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error replying to tts message", tint.Err(err))
	}
}

package discordbot

import (
	"cmp"
	"context"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const defaultEmojiInstruction = "Use the provided emojis in your response where " +
	"appropriate by including their full code (e.g., <:name:id> or <a:name:id>)."

// EmojiLister is the subset of DiscordSessionHandler used to list a
// guild's custom emojis.
type EmojiLister interface {
	GuildEmojis(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Emoji, error)
}

// emojiPrompt lists a guild's usable custom emojis, followed by the
// configured usage instruction. It returns "" when there is no guild or
// no usable emoji.
func emojiPrompt(
	ctx context.Context,
	lister EmojiLister,
	guildID string,
	instruction string,
	logger *slog.Logger,
) string {
	if guildID == "" {
		return ""
	}
	emojis, err := lister.GuildEmojis(guildID, discordgo.WithContext(ctx))
	if err != nil {
		logger.WarnContext(ctx, "unable to list guild emojis", "guild_id", guildID, tint.Err(err))
		return ""
	}
	return formatEmojiPrompt(emojis, cmp.Or(instruction, defaultEmojiInstruction))
}

func formatEmojiPrompt(emojis []*discordgo.Emoji, instruction string) string {
	var static, animated []string
	for _, e := range emojis {
		if e == nil || !e.Available {
			continue
		}
		if e.Animated {
			animated = append(animated, e.MessageFormat())
		} else {
			static = append(static, e.MessageFormat())
		}
	}
	if len(static) == 0 && len(animated) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n## Available Emojis:\n")
	if len(static) > 0 {
		b.WriteString("Static emojis: ")
		b.WriteString(strings.Join(static, ", "))
		b.WriteByte('\n')
	}
	if len(animated) > 0 {
		b.WriteString("Animated emojis: ")
		b.WriteString(strings.Join(animated, ", "))
		b.WriteByte('\n')
	}
	b.WriteString(instruction)
	return b.String()
}

package discordbot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// TriggerKind identifies what caused the bot to act.
type TriggerKind string

const (
	TriggerMention TriggerKind = "mention"
	TriggerReply   TriggerKind = "reply"
	TriggerName    TriggerKind = "name"
	TriggerCommand TriggerKind = "command"
	TriggerWelcome TriggerKind = "welcome"
	TriggerGoodbye TriggerKind = "goodbye"
	TriggerTimeout TriggerKind = "timeout"
	TriggerTTS     TriggerKind = "tts"
)

const (
	welcomePromptFormat = "New User ID: %s\nNew User Name: %s"
	goodbyePromptFormat = "Server Name: %s\nUser that left ID: %s\nUser that left name: %s"
)

// typingInterval refreshes the typing indicator before discord's
// ten second expiry
var typingInterval = 8 * time.Second

// timeoutPattern matches the keyword the bot emits to time a user out
var timeoutPattern = regexp.MustCompile(`!Timeout <@!?([0-9]+)>`)

// handleMessageCreate routes a gateway message to the timeout, welcome,
// text-to-speech and reply flows. A "~" message is spoken and can still
// trigger a reply.
func (b *Bot) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	msg := m.Message
	logger := loggerFrom(ctx, b.logger).With(slog.Group("message", messageLogAttrs(msg)...))
	ctx = WithLogger(ctx, logger)

	if seen, _ := b.handled.ContainsOrAdd(msg.ID, struct{}{}); seen {
		logger.DebugContext(ctx, "ignoring duplicate message")
		return
	}
	b.resolver.Remember(msg)

	botUser := b.discord.session.BotUser()
	if botUser == nil {
		logger.WarnContext(ctx, "bot user unknown, ignoring message")
		return
	}
	p := b.pipeline.Load()
	cfg := p.cfg

	if msg.Author.ID == botUser.ID {
		if cfg.Modules.Timeout {
			b.handleTimeoutKeyword(ctx, cfg, msg)
		}
		return
	}
	if msg.Type == discordgo.MessageTypeGuildMemberJoin {
		if cfg.Modules.Welcome {
			b.welcome(ctx, p, msg)
		}
		return
	}
	if msg.Author.Bot {
		return
	}

	if cfg.Modules.Voice && isTTSMessage(msg.Content) {
		b.handleTTSMessage(ctx, p, msg)
	}

	if !cfg.Modules.Main {
		return
	}
	kind, ok := b.messageTrigger(ctx, cfg, msg, botUser)
	if !ok {
		return
	}
	b.respondToMessage(ctx, p, msg, kind)
}

func (b *Bot) handleMessageDelete(_ context.Context, m *discordgo.MessageDelete) {
	if m == nil || m.Message == nil {
		return
	}
	b.resolver.Forget(m.ID)
}

// messageTrigger reports whether m is addressed to the bot: a mention, a
// reply to one of the bot's messages, or the bot's display name anywhere
// in the text (case-insensitive).
func (b *Bot) messageTrigger(
	ctx context.Context,
	cfg *Config,
	m *discordgo.Message,
	botUser *discordgo.User,
) (TriggerKind, bool) {
	if slices.ContainsFunc(
		m.Mentions, func(u *discordgo.User) bool {
			return u != nil && u.ID == botUser.ID
		},
	) {
		return TriggerMention, true
	}

	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		parent := m.ReferencedMessage
		if parent == nil {
			parent, _ = b.resolver.Cached(ref.MessageID)
		}
		if parent != nil && parent.Author != nil && parent.Author.ID == botUser.ID {
			return TriggerReply, true
		}
	}

	name := b.botDisplayName(ctx, cfg, m.GuildID, botUser)
	if name != "" && strings.Contains(strings.ToLower(m.Content), strings.ToLower(name)) {
		return TriggerName, true
	}
	return "", false
}

// botDisplayName is the bot's guild nickname, falling back to the
// configured bot name and then its discord name.
func (b *Bot) botDisplayName(
	ctx context.Context,
	cfg *Config,
	guildID string,
	botUser *discordgo.User,
) string {
	if guildID != "" {
		member, err := b.discord.session.GuildMember(
			guildID,
			botUser.ID,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			loggerFrom(ctx, b.logger).DebugContext(
				ctx,
				"unable to look up bot member",
				"guild_id", guildID,
				tint.Err(err),
			)
		} else if member.Nick != "" {
			return member.Nick
		}
	}
	if cfg.Discord.BotName != "" {
		return cfg.Discord.BotName
	}
	return userDisplayName(botUser)
}

// respondToMessage runs the reply pipeline for a triggering message:
// gather history, build the prompt, invoke the roster, and reply in
// chunks.
func (b *Bot) respondToMessage(
	ctx context.Context,
	p *pipeline,
	m *discordgo.Message,
	kind TriggerKind,
) {
	start := time.Now()
	logger := loggerFrom(ctx, b.logger).With("trigger", kind)
	ctx = WithLogger(ctx, logger)
	b.metrics.IncTrigger(kind)
	logger.InfoContext(ctx, "responding to message")

	b.saveMessage(ctx, m)
	stopTyping := b.startTyping(ctx, m.ChannelID)
	defer stopTyping()

	record := newModelRequest(kind, m.GuildID, m.ChannelID, m.Author.ID)
	record.MessageID = m.ID
	record.Strategy = p.cfg.History.Strategy

	prior, err := p.history.Resolve(
		ctx,
		m,
		p.cfg.History.Strategy,
		p.cfg.History.WindowSize,
	)
	if err != nil {
		logger.ErrorContext(ctx, "unable to gather history", tint.Err(err))
	}
	conv := withTrigger(prior, p.formatter.Format(ctx, m))
	record.FragmentCount = len(conv)

	system := p.cfg.Prompts.System + b.emojiSection(ctx, p.cfg, m.GuildID)
	chunks := b.invoke(ctx, p, &record, AssemblePrompt(conv), system, p.cfg.Model.DefaultIndex)

	sent, err := deliverChunks(ctx, b.discord.session, m.ChannelID, m.Reference(), chunks)
	b.finishRequest(ctx, &record, start, sent, err)
}

// welcome greets a member who just joined, replying to the join message.
func (b *Bot) welcome(ctx context.Context, p *pipeline, m *discordgo.Message) {
	start := time.Now()
	logger := loggerFrom(ctx, b.logger).With("trigger", TriggerWelcome)
	ctx = WithLogger(ctx, logger)
	b.metrics.IncTrigger(TriggerWelcome)
	logger.InfoContext(ctx, "new member joined, generating welcome")

	stopTyping := b.startTyping(ctx, m.ChannelID)
	defer stopTyping()

	record := newModelRequest(TriggerWelcome, m.GuildID, m.ChannelID, m.Author.ID)
	record.MessageID = m.ID
	record.FragmentCount = 1

	prompt := TextPrompt(fmt.Sprintf(welcomePromptFormat, m.Author.ID, messageDisplayName(m)))
	system := p.cfg.Prompts.System + p.cfg.Prompts.Welcome + b.emojiSection(ctx, p.cfg, m.GuildID)
	chunks := b.invoke(ctx, p, &record, prompt, system, p.cfg.Model.WelcomeGoodbyeIndex)

	sent, err := deliverChunks(ctx, b.discord.session, m.ChannelID, m.Reference(), chunks)
	b.finishRequest(ctx, &record, start, sent, err)
}

// handleGuildMemberRemove posts a goodbye to the guild's system channel.
// Guilds without a system channel are skipped.
func (b *Bot) handleGuildMemberRemove(ctx context.Context, r *discordgo.GuildMemberRemove) {
	if r == nil || r.Member == nil || r.User == nil {
		return
	}
	p := b.pipeline.Load()
	if !p.cfg.Modules.Goodbye {
		return
	}
	logger := loggerFrom(ctx, b.logger).With(
		"trigger", TriggerGoodbye,
		"guild_id", r.GuildID,
		"user_id", r.User.ID,
	)
	ctx = WithLogger(ctx, logger)

	guild, err := b.discord.session.Guild(r.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorContext(ctx, "unable to look up guild", tint.Err(err))
		return
	}
	if guild.SystemChannelID == "" {
		logger.DebugContext(ctx, "guild has no system channel, skipping goodbye")
		return
	}

	start := time.Now()
	b.metrics.IncTrigger(TriggerGoodbye)
	logger.InfoContext(ctx, "member left, generating goodbye")

	record := newModelRequest(TriggerGoodbye, r.GuildID, guild.SystemChannelID, r.User.ID)
	record.FragmentCount = 1

	prompt := TextPrompt(
		fmt.Sprintf(goodbyePromptFormat, guild.Name, r.User.ID, memberDisplayName(r.Member)),
	)
	system := p.cfg.Prompts.System + p.cfg.Prompts.Goodbye + b.emojiSection(ctx, p.cfg, r.GuildID)
	chunks := b.invoke(ctx, p, &record, prompt, system, p.cfg.Model.WelcomeGoodbyeIndex)

	sent, err := deliverChunks(ctx, b.discord.session, guild.SystemChannelID, nil, chunks)
	b.finishRequest(ctx, &record, start, sent, err)
}

// handleTimeoutKeyword times out every user named in a timeout keyword
// within one of the bot's own messages.
func (b *Bot) handleTimeoutKeyword(ctx context.Context, cfg *Config, m *discordgo.Message) {
	matches := timeoutPattern.FindAllStringSubmatch(m.Content, -1)
	if len(matches) == 0 || m.GuildID == "" {
		return
	}
	logger := loggerFrom(ctx, b.logger).With("trigger", TriggerTimeout)
	b.metrics.IncTrigger(TriggerTimeout)

	userIDs := make([]string, 0, len(matches))
	for _, match := range matches {
		userIDs = append(userIDs, match[1])
	}
	slices.Sort(userIDs)
	userIDs = slices.Compact(userIDs)

	until := time.Now().Add(cfg.Timeout.Duration)
	opts := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if cfg.Timeout.Reason != "" {
		opts = append(opts, discordgo.WithAuditLogReason(cfg.Timeout.Reason))
	}
	for _, userID := range userIDs {
		if err := b.discord.session.GuildMemberTimeout(m.GuildID, userID, &until, opts...); err != nil {
			logger.ErrorContext(
				ctx,
				"unable to time out member",
				"user_id", userID,
				tint.Err(err),
			)
			continue
		}
		logger.InfoContext(
			ctx,
			"timed out member",
			"user_id", userID,
			"duration", cfg.Timeout.Duration,
		)
	}
}

// emojiSection is the emoji list appended to the system instruction, or
// "" when the emoji module is off.
func (b *Bot) emojiSection(ctx context.Context, cfg *Config, guildID string) string {
	if !cfg.Modules.Emojis {
		return ""
	}
	return emojiPrompt(ctx, b.discord.session, guildID, cfg.Prompts.Emoji, loggerFrom(ctx, b.logger))
}

// invoke runs prompt through the roster, records the result on record,
// and returns the reply split for delivery.
func (b *Bot) invoke(
	ctx context.Context,
	p *pipeline,
	record *ModelRequest,
	prompt Prompt,
	systemInstruction string,
	startIndex int,
) []string {
	switch pr := prompt.(type) {
	case MultipartPrompt:
		record.PromptKind = "multipart"
		record.ImageCount = pr.ImageCount()
	default:
		record.PromptKind = "text"
	}
	inv := p.invoker.Invoke(ctx, prompt, systemInstruction, p.cfg.Model.Roster, startIndex)
	record.setInvocation(p.cfg.Model.Roster, startIndex, inv)
	return ChunkText(inv.Text, discordMaxMessageLength)
}

// finishRequest records delivery on record and saves it. Delivered
// messages are cached so replies to them resolve without a fetch.
func (b *Bot) finishRequest(
	ctx context.Context,
	record *ModelRequest,
	start time.Time,
	sent []*discordgo.Message,
	sendErr error,
) {
	logger := loggerFrom(ctx, b.logger)
	for _, s := range sent {
		b.resolver.Remember(s)
	}
	record.ChunkCount = len(sent)
	record.DurationMS = time.Since(start).Milliseconds()
	b.metrics.AddChunksSent(len(sent))
	if sendErr != nil {
		logger.ErrorContext(ctx, "error delivering reply", tint.Err(sendErr))
		if record.Error == "" {
			record.Error = sendErr.Error()
		}
	}
	logger.InfoContext(ctx, "request finished", "request", record)
	b.saveRequest(ctx, record)
}

func newModelRequest(kind TriggerKind, guildID, channelID, userID string) ModelRequest {
	return ModelRequest{
		RequestID: uuid.NewString(),
		Trigger:   kind,
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
	}
}

func (b *Bot) saveRequest(ctx context.Context, record *ModelRequest) {
	if b.writeDB == nil {
		return
	}
	if _, err := b.writeDB.Create(ctx, record); err != nil {
		loggerFrom(ctx, b.logger).ErrorContext(ctx, "error saving request", tint.Err(err))
	}
}

func (b *Bot) saveMessage(ctx context.Context, m *discordgo.Message) {
	if b.writeDB == nil {
		return
	}
	dm := NewDiscordMessage(m)
	if _, err := b.writeDB.Create(ctx, &dm); err != nil {
		loggerFrom(ctx, b.logger).ErrorContext(ctx, "error saving message", tint.Err(err))
	}
}

// startTyping shows the typing indicator in channelID until the returned
// func is called.
func (b *Bot) startTyping(ctx context.Context, channelID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := b.discord.session.ChannelTyping(
				channelID,
				discordgo.WithContext(ctx),
			); err != nil && ctx.Err() == nil {
				loggerFrom(ctx, b.logger).DebugContext(
					ctx,
					"unable to send typing indicator",
					tint.Err(err),
				)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

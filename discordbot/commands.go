package discordbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	commandMessage = "message"
	commandHelp    = "help"
	commandTags    = "tags"
	commandReload  = "reload"
	commandJoin    = "join"
	commandLeave   = "leave"
	commandTTS     = "tts"

	optionMessage = "message"
	optionUser    = "user"
	optionPart    = "part"

	reloadPartConfig   = "config"
	reloadPartCommands = "commands"

	tagsWikiURL   = "https://danbooru.donmai.us/wiki_pages/tag_group"
	tagsWikiLabel = "Danbooru Tag Group Wiki"
	tagsContent   = "Here is the Danbooru tag group wiki."

	messageOwnerOnly = "Only the bot's owner can use this command."
	messageNotInVC   = "I am not in any voice channel."
	messageUserNotVC = "You are not in a voice channel."

	helpEmbedColor = 0x00ff00
)

var errUnknownCommand = errors.New("unknown command")

var commandContexts = []discordgo.InteractionContextType{
	discordgo.InteractionContextGuild,
	discordgo.InteractionContextBotDM,
	discordgo.InteractionContextPrivateChannel,
}

var guildOnlyContexts = []discordgo.InteractionContextType{
	discordgo.InteractionContextGuild,
}

var commandIntegrationTypes = []discordgo.ApplicationIntegrationType{
	discordgo.ApplicationIntegrationGuildInstall,
}

// applicationCommands returns the slash commands for the enabled modules.
func applicationCommands(modules *ModulesConfig) []*discordgo.ApplicationCommand {
	commands := []*discordgo.ApplicationCommand{
		appCommandHelp(),
		appCommandTags(),
		appCommandReload(),
	}
	if modules == nil {
		return commands
	}
	if modules.Main {
		commands = append(commands, appCommandMessage())
	}
	if modules.Voice {
		commands = append(commands, appCommandJoin(), appCommandLeave(), appCommandTTS())
	}
	return commands
}

func newChatCommand(
	name string,
	description string,
	contexts []discordgo.InteractionContextType,
	options ...*discordgo.ApplicationCommandOption,
) *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:             name,
		Description:      description,
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         &contexts,
		IntegrationTypes: &commandIntegrationTypes,
		Options:          options,
	}
}

func appCommandMessage() *discordgo.ApplicationCommand {
	minLength := 1
	return newChatCommand(
		commandMessage,
		"Activates the AI features through a command.",
		commandContexts,
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionMessage,
			Description: "Your message",
			Required:    true,
			MinLength:   &minLength,
			MaxLength:   discordMaxMessageLength,
		},
	)
}

func appCommandHelp() *discordgo.ApplicationCommand {
	return newChatCommand(commandHelp, "See more info about commands", commandContexts)
}

func appCommandTags() *discordgo.ApplicationCommand {
	return newChatCommand(
		commandTags,
		"Sends the Danbooru tag group wiki link and optionally tags a user.",
		commandContexts,
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        optionUser,
			Description: "User to mention",
		},
	)
}

func appCommandReload() *discordgo.ApplicationCommand {
	return newChatCommand(
		commandReload,
		"Reloads the bot's config or commands. Can only be used by the bot's owner.",
		commandContexts,
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionPart,
			Description: "What to reload",
			Required:    true,
			Choices: []*discordgo.ApplicationCommandOptionChoice{
				{Name: "Config", Value: reloadPartConfig},
				{Name: "Commands", Value: reloadPartCommands},
			},
		},
	)
}

func appCommandJoin() *discordgo.ApplicationCommand {
	return newChatCommand(
		commandJoin,
		"Joins the voice channel you are currently in.",
		guildOnlyContexts,
	)
}

func appCommandLeave() *discordgo.ApplicationCommand {
	return newChatCommand(
		commandLeave,
		"Leaves the voice channel the bot is currently in.",
		guildOnlyContexts,
	)
}

func appCommandTTS() *discordgo.ApplicationCommand {
	return newChatCommand(
		commandTTS,
		"AI-based text to speech.",
		guildOnlyContexts,
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionMessage,
			Description: "Text to speak",
			Required:    true,
		},
	)
}

// handleInteraction dispatches an application command.
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	logger := loggerFrom(ctx, b.logger).With(slog.Group("interaction", interactionLogAttrs(i)...))
	ctx = WithLogger(ctx, logger)

	user := interactionUser(i)
	if user == nil {
		logger.WarnContext(ctx, "interaction has no user")
		return
	}
	name := i.ApplicationCommandData().Name
	logger.InfoContext(ctx, "received command", "command", name)

	p := b.pipeline.Load()
	var err error
	switch name {
	case commandMessage:
		err = b.commandMessage(ctx, p, i, user)
	case commandHelp:
		err = b.commandHelp(ctx, p.cfg, i)
	case commandTags:
		err = b.commandTags(ctx, i)
	case commandReload:
		err = b.commandReload(ctx, p.cfg, i, user)
	case commandJoin:
		err = b.commandJoin(ctx, i, user)
	case commandLeave:
		err = b.commandLeave(ctx, i)
	case commandTTS:
		err = b.commandTTS(ctx, p, i, user)
	default:
		err = fmt.Errorf("%w: %q", errUnknownCommand, name)
	}
	if err != nil {
		logger.ErrorContext(ctx, "error handling command", "command", name, tint.Err(err))
	}
}

func (b *Bot) respond(ctx context.Context, i *discordgo.InteractionCreate, content string, ephemeral bool) error {
	data := &discordgo.InteractionResponseData{
		Content:         content,
		AllowedMentions: replyAllowedMentions(),
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
		discordgo.WithContext(ctx),
	)
}

func (b *Bot) deferResponse(ctx context.Context, i *discordgo.InteractionCreate, ephemeral bool) error {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
	if ephemeral {
		resp.Data = &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral}
	}
	return b.discord.session.InteractionRespond(i.Interaction, resp, discordgo.WithContext(ctx))
}

func (b *Bot) editResponse(ctx context.Context, i *discordgo.InteractionCreate, content string) error {
	_, err := b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{
			Content:         &content,
			AllowedMentions: replyAllowedMentions(),
		},
		discordgo.WithContext(ctx),
	)
	return err
}

// commandMessage runs the reply pipeline on the command's text. The
// first chunk replaces the deferred response; the rest are followups.
func (b *Bot) commandMessage(
	ctx context.Context,
	p *pipeline,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	start := time.Now()
	if err := b.deferResponse(ctx, i, false); err != nil {
		return fmt.Errorf("deferring response: %w", err)
	}
	b.metrics.IncTrigger(TriggerCommand)

	text := ""
	if opt, ok := interactionOptions(i)[optionMessage]; ok {
		text = opt.StringValue()
	}
	name := memberDisplayName(i.Member)
	if name == "" {
		name = userDisplayName(user)
	}

	record := newModelRequest(TriggerCommand, i.GuildID, i.ChannelID, user.ID)
	record.InteractionID = i.ID
	record.FragmentCount = 1

	frag := p.formatter.FormatText(user.ID, name, text, time.Now())
	system := p.cfg.Prompts.System + b.emojiSection(ctx, p.cfg, i.GuildID)
	chunks := b.invoke(
		ctx,
		p,
		&record,
		AssemblePrompt(ConversationContext{frag}),
		system,
		p.cfg.Model.DefaultIndex,
	)

	sent, err := b.deliverInteractionChunks(ctx, i, chunks)
	b.finishRequest(ctx, &record, start, sent, err)
	return nil
}

func (b *Bot) deliverInteractionChunks(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	chunks []string,
) ([]*discordgo.Message, error) {
	sent := make([]*discordgo.Message, 0, len(chunks))
	for n, chunk := range chunks {
		var msg *discordgo.Message
		var err error
		if n == 0 {
			msg, err = b.discord.session.InteractionResponseEdit(
				i.Interaction,
				&discordgo.WebhookEdit{
					Content:         &chunk,
					AllowedMentions: replyAllowedMentions(),
				},
				discordgo.WithContext(ctx),
			)
		} else {
			msg, err = b.discord.session.FollowupMessageCreate(
				i.Interaction,
				true,
				&discordgo.WebhookParams{
					Content:         chunk,
					AllowedMentions: replyAllowedMentions(),
				},
				discordgo.WithContext(ctx),
			)
		}
		if err != nil {
			return sent, fmt.Errorf("sending chunk %d/%d: %w", n+1, len(chunks), err)
		}
		sent = append(sent, msg)
	}
	return sent, nil
}

func (b *Bot) commandHelp(ctx context.Context, cfg *Config, i *discordgo.InteractionCreate) error {
	commands := applicationCommands(cfg.Modules)
	fields := make([]*discordgo.MessageEmbedField, 0, len(commands)+3)
	for _, cmd := range commands {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  "/" + cmd.Name,
				Value: cmd.Description,
			},
		)
	}
	if cfg.Modules.Main {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name: "AI Chat",
				Value: "Mention the bot or reply to one of its messages to start a " +
					"conversation. Earlier messages are used as context.",
			},
		)
	}
	if cfg.Modules.Welcome || cfg.Modules.Goodbye {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  "AI Welcome & Goodbye",
				Value: "Generates messages automatically when a member joins or leaves the server.",
			},
		)
	}
	if cfg.Modules.Voice {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  "~message",
				Value: "Speaks the message in the bot's voice channel.",
			},
		)
	}

	return b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
				Embeds: []*discordgo.MessageEmbed{
					{
						Title:       "Command List",
						Description: "Here are the available commands:",
						Color:       helpEmbedColor,
						Fields:      fields,
					},
				},
			},
		},
		discordgo.WithContext(ctx),
	)
}

func (b *Bot) commandTags(ctx context.Context, i *discordgo.InteractionCreate) error {
	content := tagsContent
	if opt, ok := interactionOptions(i)[optionUser]; ok {
		if u := opt.UserValue(nil); u != nil {
			content = u.Mention() + " " + content
		}
	}
	return b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:         content,
				AllowedMentions: replyAllowedMentions(),
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.Button{
								Label: tagsWikiLabel,
								Style: discordgo.LinkButton,
								URL:   tagsWikiURL,
							},
						},
					},
				},
			},
		},
		discordgo.WithContext(ctx),
	)
}

func (b *Bot) commandReload(
	ctx context.Context,
	cfg *Config,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	if cfg.Discord.OwnerID == "" || user.ID != cfg.Discord.OwnerID {
		loggerFrom(ctx, b.logger).WarnContext(ctx, "reload denied", "user_id", user.ID)
		return b.respond(ctx, i, messageOwnerOnly, true)
	}
	part := ""
	if opt, ok := interactionOptions(i)[optionPart]; ok {
		part = opt.StringValue()
	}

	switch part {
	case reloadPartConfig:
		if err := b.Reload(ctx); err != nil {
			return errors.Join(err, b.respond(ctx, i, "Config failed to reload: "+err.Error(), true))
		}
		if b.dbNotifier != nil {
			b.dbNotifier.NotifyReload(ctx)
		}
		return b.respond(ctx, i, "Config reloaded.", true)
	case reloadPartCommands:
		created, err := b.discord.registerCommands(b.Config().Modules, discordgo.WithContext(ctx))
		if err != nil {
			return errors.Join(err, b.respond(ctx, i, "Failed to sync commands: "+err.Error(), true))
		}
		plural := "s"
		if len(created) == 1 {
			plural = ""
		}
		return b.respond(ctx, i, fmt.Sprintf("Synced %d command%s", len(created), plural), true)
	default:
		return b.respond(ctx, i, "Part not recognised", true)
	}
}

func (b *Bot) commandJoin(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	channelID, err := b.discord.session.UserVoiceChannel(i.GuildID, user.ID)
	if err != nil {
		if errors.Is(err, ErrNotInVoice) {
			return b.respond(ctx, i, messageUserNotVC, true)
		}
		return errors.Join(err, b.respond(ctx, i, messageUserNotVC, true))
	}

	verb := "Joined"
	if current, e := b.botVoiceChannel(i.GuildID); e == nil {
		if current == channelID {
			return b.respond(ctx, i, fmt.Sprintf("I am already in <#%s>.", channelID), true)
		}
		verb = "Moved to"
	}
	if err = b.discord.session.VoiceJoin(i.GuildID, channelID); err != nil {
		return errors.Join(
			err,
			b.respond(ctx, i, fmt.Sprintf("Could not join <#%s>: %s", channelID, err), true),
		)
	}
	return b.respond(ctx, i, fmt.Sprintf("%s <#%s>!", verb, channelID), true)
}

func (b *Bot) commandLeave(ctx context.Context, i *discordgo.InteractionCreate) error {
	current, _ := b.botVoiceChannel(i.GuildID)
	left, err := b.discord.session.VoiceLeave(i.GuildID)
	if err != nil {
		return errors.Join(err, b.respond(ctx, i, "Could not leave: "+err.Error(), true))
	}
	if !left {
		return b.respond(ctx, i, messageNotInVC, true)
	}
	if current == "" {
		return b.respond(ctx, i, "Left the voice channel.", true)
	}
	return b.respond(ctx, i, fmt.Sprintf("Left <#%s>.", current), true)
}

func (b *Bot) commandTTS(
	ctx context.Context,
	p *pipeline,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) error {
	if _, err := b.botVoiceChannel(i.GuildID); err != nil {
		return b.respond(ctx, i, messageNotInVC, true)
	}
	if err := b.deferResponse(ctx, i, true); err != nil {
		return fmt.Errorf("deferring response: %w", err)
	}
	text := ""
	if opt, ok := interactionOptions(i)[optionMessage]; ok {
		text = opt.StringValue()
	}
	if err := b.speak(ctx, p, i.GuildID, user.ID, text); err != nil {
		return errors.Join(err, b.editResponse(ctx, i, "Sorry, I couldn't generate speech for that."))
	}
	return b.editResponse(ctx, i, "TTS complete.")
}

package discordbot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func newCommandInteraction(
	name string,
	userID string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "i1",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "g1",
			ChannelID: "c1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID, Username: "user-" + userID},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func commandNames(commands []*discordgo.ApplicationCommand) []string {
	names := make([]string, 0, len(commands))
	for _, c := range commands {
		names = append(names, c.Name)
	}
	return names
}

func TestApplicationCommands(t *testing.T) {
	tests := []struct {
		name    string
		modules *ModulesConfig
		want    []string
	}{
		{name: "nil modules", want: []string{"help", "tags", "reload"}},
		{
			name:    "main",
			modules: &ModulesConfig{Main: true},
			want:    []string{"help", "tags", "reload", "message"},
		},
		{
			name:    "voice only",
			modules: &ModulesConfig{Voice: true},
			want:    []string{"help", "tags", "reload", "join", "leave", "tts"},
		},
		{
			name:    "all",
			modules: &ModulesConfig{Main: true, Voice: true},
			want:    []string{"help", "tags", "reload", "message", "join", "leave", "tts"},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				commands := applicationCommands(tc.modules)
				assert.Equal(t, tc.want, commandNames(commands))
				for _, c := range commands {
					assert.NotEmpty(t, c.Description, c.Name)
					assert.Equal(t, discordgo.ChatApplicationCommand, c.Type)
				}
			},
		)
	}
}

func TestVoiceCommandsAreGuildOnly(t *testing.T) {
	for _, c := range []*discordgo.ApplicationCommand{appCommandJoin(), appCommandLeave(), appCommandTTS()} {
		require.NotNil(t, c.Contexts)
		assert.Equal(t, []discordgo.InteractionContextType{discordgo.InteractionContextGuild}, *c.Contexts)
	}
}

func TestHandleInteraction_Ignored(t *testing.T) {
	tb := newTestBot(t, nil)
	ctx := context.Background()

	tb.handleInteraction(ctx, nil)
	tb.handleInteraction(
		ctx,
		&discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing},
		},
	)
	noUser := newCommandInteraction(commandHelp, "u1")
	noUser.Member = nil
	tb.handleInteraction(ctx, noUser)

	assert.Empty(t, tb.session.responses)
}

func TestCommandHelp(t *testing.T) {
	tb := newTestBot(t, func(cfg *Config) { cfg.Modules.Voice = true })
	tb.handleInteraction(context.Background(), newCommandInteraction(commandHelp, "u1"))

	require.Len(t, tb.session.responses, 1)
	resp := tb.session.responses[0]
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	assert.Equal(t, "Command List", embed.Title)

	var names []string
	for _, f := range embed.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(
		t,
		[]string{
			"/help", "/tags", "/reload", "/message", "/join", "/leave", "/tts",
			"AI Chat", "AI Welcome & Goodbye", "~message",
		},
		names,
	)
}

func TestCommandTags(t *testing.T) {
	tests := []struct {
		name    string
		options []*discordgo.ApplicationCommandInteractionDataOption
		want    string
	}{
		{name: "no user", want: tagsContent},
		{
			name: "mention user",
			options: []*discordgo.ApplicationCommandInteractionDataOption{
				{Name: optionUser, Type: discordgo.ApplicationCommandOptionUser, Value: "42"},
			},
			want: "<@42> " + tagsContent,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				tb := newTestBot(t, nil)
				tb.handleInteraction(
					context.Background(),
					newCommandInteraction(commandTags, "u1", tc.options...),
				)
				require.Len(t, tb.session.responses, 1)
				data := tb.session.responses[0].Data
				assert.Equal(t, tc.want, data.Content)
				require.Len(t, data.Components, 1)
				row, ok := data.Components[0].(discordgo.ActionsRow)
				require.True(t, ok)
				button, ok := row.Components[0].(discordgo.Button)
				require.True(t, ok)
				assert.Equal(t, tagsWikiURL, button.URL)
			},
		)
	}
}

func TestCommandReload_OwnerOnly(t *testing.T) {
	tb := newTestBot(t, nil)
	loads := 0
	tb.loader = func(context.Context) (*Config, error) {
		loads++
		return testConfig(t), nil
	}

	tb.handleInteraction(
		context.Background(),
		newCommandInteraction(commandReload, "intruder", stringOption(optionPart, reloadPartConfig)),
	)

	require.Len(t, tb.session.responses, 1)
	assert.Equal(t, messageOwnerOnly, tb.session.responses[0].Data.Content)
	assert.Equal(t, 0, loads)
}

func TestCommandReload(t *testing.T) {
	tests := []struct {
		name    string
		part    string
		loadErr error
		want    string
	}{
		{name: "config", part: reloadPartConfig, want: "Config reloaded."},
		{
			name:    "config error",
			part:    reloadPartConfig,
			loadErr: errors.New("bad yaml"),
			want:    "Config failed to reload: loading config: bad yaml",
		},
		{name: "commands", part: reloadPartCommands, want: "Synced 4 commands"},
		{name: "unknown", part: "everything", want: "Part not recognised"},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				tb := newTestBot(t, nil)
				next := testConfig(t)
				next.Prompts.System = "Reloaded."
				tb.loader = func(context.Context) (*Config, error) {
					if tc.loadErr != nil {
						return nil, tc.loadErr
					}
					return next, nil
				}

				tb.handleInteraction(
					context.Background(),
					newCommandInteraction(commandReload, "owner", stringOption(optionPart, tc.part)),
				)

				require.Len(t, tb.session.responses, 1)
				data := tb.session.responses[0].Data
				assert.Equal(t, tc.want, data.Content)
				assert.Equal(t, discordgo.MessageFlagsEphemeral, data.Flags)
				if tc.part == reloadPartConfig && tc.loadErr == nil {
					assert.Equal(t, "Reloaded.", tb.Config().Prompts.System)
				}
				if tc.part == reloadPartCommands {
					assert.Len(t, tb.session.commands, 4)
				}
			},
		)
	}
}

func TestCommandMessage(t *testing.T) {
	tb := newTestBot(t, nil)
	tb.handleInteraction(
		context.Background(),
		newCommandInteraction(commandMessage, "u1", stringOption(optionMessage, "what's up?")),
	)

	require.Len(t, tb.session.responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		tb.session.responses[0].Type,
	)
	require.Len(t, tb.session.edits, 1)
	assert.Equal(t, "Hello from m0.", *tb.session.edits[0].Content)
	assert.Empty(t, tb.session.followups)

	require.Len(t, tb.client.calls, 1)
	assert.Equal(
		t,
		TextPrompt("Sender ID: u1\nSender Name: user-u1\nMessage: what's up?"),
		tb.client.calls[0].Prompt,
	)

	rows := tb.requests(t)
	require.Len(t, rows, 1)
	assert.Equal(t, TriggerCommand, rows[0].Trigger)
	assert.Equal(t, "i1", rows[0].InteractionID)
	assert.Equal(t, RequestOutcomeSuccess, rows[0].Outcome)
	assert.Equal(t, 1, rows[0].ChunkCount)
}

func TestCommandMessage_Followups(t *testing.T) {
	tb := newTestBot(t, nil)
	tb.client.responses["m0"] = mockResponse{text: strings.Repeat(strings.Repeat("b", 99)+". ", 30)}

	tb.handleInteraction(
		context.Background(),
		newCommandInteraction(commandMessage, "u1", stringOption(optionMessage, "long please")),
	)

	require.Len(t, tb.session.edits, 1)
	require.Len(t, tb.session.followups, 1)
	assert.Equal(t, 2, tb.requests(t)[0].ChunkCount)
}

func TestCommandJoin(t *testing.T) {
	tb := newTestBot(t, func(cfg *Config) { cfg.Modules.Voice = true })
	ctx := context.Background()
	join := func() string {
		tb.handleInteraction(ctx, newCommandInteraction(commandJoin, "u1"))
		return tb.session.responses[len(tb.session.responses)-1].Data.Content
	}

	assert.Equal(t, messageUserNotVC, join())

	tb.session.voice["g1/u1"] = "vc1"
	assert.Equal(t, "Joined <#vc1>!", join())
	assert.Equal(t, "vc1", tb.session.joined["g1"])

	assert.Equal(t, "I am already in <#vc1>.", join())

	tb.session.voice["g1/u1"] = "vc2"
	assert.Equal(t, "Moved to <#vc2>!", join())
	assert.Equal(t, "vc2", tb.session.joined["g1"])
}

func TestCommandLeave(t *testing.T) {
	tb := newTestBot(t, func(cfg *Config) { cfg.Modules.Voice = true })
	ctx := context.Background()
	tb.session.joined["g1"] = "vc1"

	tb.handleInteraction(ctx, newCommandInteraction(commandLeave, "u1"))
	tb.handleInteraction(ctx, newCommandInteraction(commandLeave, "u1"))

	require.Len(t, tb.session.responses, 2)
	assert.Equal(t, "Left <#vc1>.", tb.session.responses[0].Data.Content)
	assert.Equal(t, messageNotInVC, tb.session.responses[1].Data.Content)
	assert.Empty(t, tb.session.joined)
}

func TestCommandTTS(t *testing.T) {
	tb := newTestBot(t, func(cfg *Config) { cfg.Modules.Voice = true })
	ctx := context.Background()

	tb.handleInteraction(ctx, newCommandInteraction(commandTTS, "u1", stringOption(optionMessage, "hello")))
	require.Len(t, tb.session.responses, 1)
	assert.Equal(t, messageNotInVC, tb.session.responses[0].Data.Content)
	assert.Empty(t, tb.client.spoken)

	tb.session.joined["g1"] = "vc1"
	tb.handleInteraction(ctx, newCommandInteraction(commandTTS, "u1", stringOption(optionMessage, "hello")))

	require.Len(t, tb.session.responses, 2)
	deferred := tb.session.responses[1]
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, deferred.Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, deferred.Data.Flags)

	assert.Equal(t, []string{"hello"}, tb.client.spoken)
	sent := tb.session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "vc1", sent[0].ChannelID)
	assert.Equal(t, "<@u1>: hello", sent[0].Data.Content)
	require.Len(t, sent[0].Data.Files, 1)
	assert.Equal(t, ttsFilename, sent[0].Data.Files[0].Name)

	require.Len(t, tb.session.edits, 1)
	assert.Equal(t, "TTS complete.", *tb.session.edits[0].Content)
}

func TestCommandTTS_SynthesisFails(t *testing.T) {
	tb := newTestBot(t, func(cfg *Config) { cfg.Modules.Voice = true })
	tb.session.joined["g1"] = "vc1"
	tb.client.audioErr = errors.New("quota")

	tb.handleInteraction(
		context.Background(),
		newCommandInteraction(commandTTS, "u1", stringOption(optionMessage, "hello")),
	)

	assert.Empty(t, tb.session.sentMessages())
	require.Len(t, tb.session.edits, 1)
	assert.Equal(t, "Sorry, I couldn't generate speech for that.", *tb.session.edits[0].Content)
}

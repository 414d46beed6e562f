package discordbot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
)

// recordHandler is a slog.Handler that keeps every record it handles
type recordHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
}

func newRecordHandler() *recordHandler {
	return &recordHandler{mu: &sync.Mutex{}, records: &[]slog.Record{}}
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r = r.Clone()
	r.AddAttrs(h.attrs...)
	*h.records = append(*h.records, r)
	return nil
}

func (h *recordHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordHandler{
		mu:      h.mu,
		records: h.records,
		attrs:   append(slices.Clone(h.attrs), attrs...),
	}
}

func (h *recordHandler) WithGroup(string) slog.Handler {
	return h
}

// count returns the number of records logged at level
func (h *recordHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range *h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func (h *recordHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := make([]string, 0, len(*h.records))
	for _, r := range *h.records {
		msgs = append(msgs, r.Message)
	}
	return msgs
}

// mockModelClient returns canned responses by model name
type mockModelClient struct {
	mu        sync.Mutex
	responses map[string]mockResponse
	calls     []GenerateRequest

	// synthesize
	audio    []byte
	audioErr error
	spoken   []string
	rpm      int
}

type mockResponse struct {
	text  string
	err   error
	delay time.Duration
	panic bool
}

func (m *mockModelClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	resp, ok := m.responses[req.Model]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown model %q", req.Model)
	}
	if resp.panic {
		panic("boom")
	}
	if resp.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(resp.delay):
		}
	}
	return resp.text, resp.err
}

func (m *mockModelClient) Synthesize(_ context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spoken = append(m.spoken, text)
	return m.audio, m.audioErr
}

func (m *mockModelClient) SetRequestsPerMinute(rpm int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpm = rpm
}

func (m *mockModelClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockModelClient) models() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		names = append(names, c.Model)
	}
	return names
}

type timeoutCall struct {
	GuildID string
	UserID  string
	Until   *time.Time
}

// mockDiscordSession implements DiscordSessionHandler in memory.
// Channel history is held per channel, oldest first.
type mockDiscordSession struct {
	mu sync.Mutex

	botUser  *discordgo.User
	messages map[string]*discordgo.Message
	history  map[string][]*discordgo.Message
	guilds   map[string]*discordgo.Guild
	members  map[string]*discordgo.Member
	emojis   map[string][]*discordgo.Emoji
	voice    map[string]string

	fetchErr   error
	historyErr error
	emojiErr   error
	sendErr    error

	fetchCalls   int
	historyCalls []int
	sent         []sentMessage
	timeouts     []timeoutCall
	responses    []*discordgo.InteractionResponse
	edits        []*discordgo.WebhookEdit
	followups    []*discordgo.WebhookParams
	commands     []*discordgo.ApplicationCommand
	joined       map[string]string
	typing       atomic.Int32
	nextID       atomic.Int64
	opened       bool
	closed       bool
	handlerCount int
	identify     discordgo.Identify
}

type sentMessage struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		botUser:  &discordgo.User{ID: "bot", Username: "bot", Bot: true},
		messages: map[string]*discordgo.Message{},
		history:  map[string][]*discordgo.Message{},
		guilds:   map[string]*discordgo.Guild{},
		members:  map[string]*discordgo.Member{},
		emojis:   map[string][]*discordgo.Emoji{},
		voice:    map[string]string{},
		joined:   map[string]string{},
	}
}

func (m *mockDiscordSession) restError(status int, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status, Status: http.StatusText(status)},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "mock"},
	}
}

func (m *mockDiscordSession) ChannelMessage(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, m.restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage)
	}
	return msg, nil
}

// ChannelMessages returns up to limit messages older than beforeID,
// newest first, the way discord does.
func (m *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyCalls = append(m.historyCalls, limit)
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	msgs := m.history[channelID]
	end := len(msgs)
	if beforeID != "" {
		end = slices.IndexFunc(
			msgs, func(msg *discordgo.Message) bool { return msg.ID == beforeID },
		)
		if end < 0 {
			end = len(msgs)
		}
	}
	var page []*discordgo.Message
	for i := end - 1; i >= 0 && len(page) < limit; i-- {
		page = append(page, msgs[i])
	}
	return page, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, sentMessage{ChannelID: channelID, Data: data})
	msg := &discordgo.Message{
		ID:        "sent" + strconv.FormatInt(m.nextID.Add(1), 10),
		ChannelID: channelID,
		Content:   data.Content,
		Author:    m.botUser,
	}
	if data.Reference != nil {
		msg.MessageReference = data.Reference
	}
	return msg, nil
}

func (m *mockDiscordSession) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDiscordSession) AddHandler(any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlerCount++
	return func() {}
}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error {
	return nil
}

func (m *mockDiscordSession) BotUser() *discordgo.User {
	return m.botUser
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	return commands, nil
}

func (m *mockDiscordSession) ChannelTyping(string, ...discordgo.RequestOption) error {
	m.typing.Add(1)
	return nil
}

func (m *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[guildID]
	if !ok {
		return nil, m.restError(http.StatusNotFound, discordgo.ErrCodeUnknownGuild)
	}
	return g, nil
}

func (m *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[guildID+"/"+userID]
	if !ok {
		return nil, m.restError(http.StatusNotFound, discordgo.ErrCodeUnknownMember)
	}
	return member, nil
}

func (m *mockDiscordSession) GuildEmojis(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Emoji, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emojiErr != nil {
		return nil, m.emojiErr
	}
	return m.emojis[guildID], nil
}

func (m *mockDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts = append(m.timeouts, timeoutCall{GuildID: guildID, UserID: userID, Until: until})
	return nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	i *discordgo.Interaction,
	edit *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, edit)
	msg := &discordgo.Message{
		ID:        "edit" + strconv.FormatInt(m.nextID.Add(1), 10),
		ChannelID: i.ChannelID,
		Author:    m.botUser,
	}
	if edit.Content != nil {
		msg.Content = *edit.Content
	}
	return msg, nil
}

func (m *mockDiscordSession) FollowupMessageCreate(
	i *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followups = append(m.followups, data)
	return &discordgo.Message{
		ID:        "followup" + strconv.FormatInt(m.nextID.Add(1), 10),
		ChannelID: i.ChannelID,
		Content:   data.Content,
		Author:    m.botUser,
	}, nil
}

func (m *mockDiscordSession) UserVoiceChannel(guildID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID == m.botUser.ID {
		if ch, ok := m.joined[guildID]; ok {
			return ch, nil
		}
	}
	ch, ok := m.voice[guildID+"/"+userID]
	if !ok {
		return "", ErrNotInVoice
	}
	return ch, nil
}

func (m *mockDiscordSession) VoiceJoin(guildID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined[guildID] = channelID
	return nil
}

func (m *mockDiscordSession) VoiceLeave(guildID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.joined[guildID]
	delete(m.joined, guildID)
	return ok, nil
}

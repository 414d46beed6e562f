package discordbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage(id, channelID, content string, replyTo string) *discordgo.Message {
	m := &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		Content:   content,
		Author:    &discordgo.User{ID: "u_" + id, Username: "user_" + id},
	}
	if replyTo != "" {
		m.MessageReference = &discordgo.MessageReference{
			MessageID: replyTo,
			ChannelID: channelID,
		}
	}
	return m
}

func newTestHistory(
	t testing.TB,
	session *mockDiscordSession,
) (*HistoryResolver, *MessageResolver, *recordHandler) {
	t.Helper()
	handler := newRecordHandler()
	logger := slog.New(handler)
	resolver := NewMessageResolver(&HistoryConfig{CacheSize: 100}, session, nil)
	var fetcher MessageFetcher
	if session != nil {
		fetcher = session
	}
	h := NewHistoryResolver(
		resolver,
		fetcher,
		NewContextFormatter(&HistoryConfig{}, nil, logger),
		logger,
	)
	return h, resolver, handler
}

func contents(conv ConversationContext) []string {
	out := make([]string, len(conv))
	for i, f := range conv {
		out[i] = f.Content
	}
	return out
}

func TestHistoryResolver_ReplyChainFromCache(t *testing.T) {
	session := newMockDiscordSession()
	h, resolver, _ := newTestHistory(t, session)

	a := newTestMessage("a", "c1", "A", "")
	b := newTestMessage("b", "c1", "B", "a")
	c := newTestMessage("c", "c1", "C", "b")
	for _, m := range []*discordgo.Message{a, b, c} {
		resolver.Remember(m)
	}
	trigger := newTestMessage("t", "c1", "trigger", "c")

	conv, err := h.Resolve(context.Background(), trigger, HistoryReplyChain, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, contents(conv))
	assert.Equal(t, 0, session.fetchCalls)
}

func TestHistoryResolver_ReplyChainTiers(t *testing.T) {
	session := newMockDiscordSession()
	h, resolver, _ := newTestHistory(t, session)

	a := newTestMessage("a", "c1", "A", "")
	b := newTestMessage("b", "c1", "B", "a")
	session.messages["a"] = a

	trigger := newTestMessage("t", "c1", "trigger", "b")
	trigger.ReferencedMessage = b

	conv, err := h.Resolve(context.Background(), trigger, HistoryReplyChain, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, contents(conv))
	assert.Equal(t, 1, session.fetchCalls)

	// both lookups are cached now
	_, ok := resolver.Cached("a")
	assert.True(t, ok)
	_, ok = resolver.Cached("b")
	assert.True(t, ok)
}

func TestHistoryResolver_ReplyChainStopsOnFetchError(t *testing.T) {
	session := newMockDiscordSession()
	h, _, handler := newTestHistory(t, session)

	// c replies to b, which was deleted
	c := newTestMessage("c", "c1", "C", "b")
	session.messages["c"] = c
	trigger := newTestMessage("t", "c1", "trigger", "c")

	conv, err := h.Resolve(context.Background(), trigger, HistoryReplyChain, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, contents(conv))
	assert.Equal(t, 2, session.fetchCalls)
	assert.Equal(t, 1, handler.count(slog.LevelWarn))
	assert.Contains(t, handler.messages(), "stopping reply chain")
}

func TestHistoryResolver_ReplyChainNoReference(t *testing.T) {
	session := newMockDiscordSession()
	h, _, handler := newTestHistory(t, session)

	trigger := newTestMessage("t", "c1", "trigger", "")
	conv, err := h.Resolve(context.Background(), trigger, HistoryReplyChain, 0)
	require.NoError(t, err)
	assert.Empty(t, conv)
	assert.Equal(t, 0, handler.count(slog.LevelWarn))
}

func TestHistoryResolver_ReplyChainCycle(t *testing.T) {
	session := newMockDiscordSession()
	h, resolver, handler := newTestHistory(t, session)

	a := newTestMessage("a", "c1", "A", "b")
	b := newTestMessage("b", "c1", "B", "a")
	resolver.Remember(a)
	resolver.Remember(b)
	trigger := newTestMessage("t", "c1", "trigger", "b")

	conv, err := h.Resolve(context.Background(), trigger, HistoryReplyChain, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, contents(conv))
	assert.Equal(t, 1, handler.count(slog.LevelWarn))
}

func TestHistoryResolver_Window(t *testing.T) {
	session := newMockDiscordSession()
	h, resolver, _ := newTestHistory(t, session)

	session.history["c1"] = []*discordgo.Message{
		newTestMessage("m1", "c1", "one", ""),
		newTestMessage("m2", "c1", "two", ""),
	}
	trigger := newTestMessage("t", "c1", "trigger", "")

	conv, err := h.Resolve(context.Background(), trigger, HistoryWindow, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, contents(conv))
	assert.Equal(t, []int{5}, session.historyCalls)

	_, ok := resolver.Cached("m2")
	assert.True(t, ok)
}

func TestHistoryResolver_WindowPaginates(t *testing.T) {
	session := newMockDiscordSession()
	h, _, _ := newTestHistory(t, session)

	var msgs []*discordgo.Message
	for i := range 250 {
		msgs = append(msgs, newTestMessage(fmt.Sprintf("m%03d", i), "c1", fmt.Sprintf("%d", i), ""))
	}
	session.history["c1"] = msgs
	trigger := newTestMessage("t", "c1", "trigger", "")

	conv, err := h.Resolve(context.Background(), trigger, HistoryWindow, 150)
	require.NoError(t, err)
	require.Len(t, conv, 150)
	assert.Equal(t, "100", conv[0].Content)
	assert.Equal(t, "249", conv[149].Content)
	assert.Equal(t, []int{100, 50}, session.historyCalls)
}

func TestHistoryResolver_WindowZero(t *testing.T) {
	session := newMockDiscordSession()
	h, _, _ := newTestHistory(t, session)

	trigger := newTestMessage("t", "c1", "trigger", "")
	conv, err := h.Resolve(context.Background(), trigger, HistoryWindow, 0)
	require.NoError(t, err)
	assert.Empty(t, conv)
	assert.Empty(t, session.historyCalls)
}

func TestHistoryResolver_WindowFetchError(t *testing.T) {
	session := newMockDiscordSession()
	session.historyErr = session.restError(http.StatusForbidden, discordgo.ErrCodeMissingAccess)
	h, _, handler := newTestHistory(t, session)

	trigger := newTestMessage("t", "c1", "trigger", "")
	conv, err := h.Resolve(context.Background(), trigger, HistoryWindow, 10)
	require.NoError(t, err)
	assert.Empty(t, conv)
	assert.Equal(t, 1, handler.count(slog.LevelWarn))
}

func TestHistoryResolver_UnknownStrategy(t *testing.T) {
	h, _, _ := newTestHistory(t, newMockDiscordSession())
	_, err := h.Resolve(
		context.Background(),
		newTestMessage("t", "c1", "x", ""),
		HistoryStrategy("everything"),
		1,
	)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestMessageResolver_Forget(t *testing.T) {
	session := newMockDiscordSession()
	r := NewMessageResolver(nil, session, nil)
	r.Remember(newTestMessage("a", "c1", "A", ""))
	r.Forget("a")

	_, _, err := r.Resolve(context.Background(), newTestMessage("t", "c1", "x", "a"))
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMessageResolver_NoFetcher(t *testing.T) {
	r := NewMessageResolver(nil, nil, nil)
	_, tier, err := r.Resolve(context.Background(), newTestMessage("t", "c1", "x", "a"))
	assert.ErrorIs(t, err, ErrFetchUnsupported)
	assert.Equal(t, TierNone, tier)
}

func TestClassifyFetchError(t *testing.T) {
	session := newMockDiscordSession()
	other := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "unknown message",
			err:  session.restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage),
			want: ErrMessageNotFound,
		},
		{
			name: "missing access",
			err:  session.restError(http.StatusForbidden, discordgo.ErrCodeMissingAccess),
			want: ErrFetchForbidden,
		},
		{
			name: "wrong channel type",
			err: session.restError(
				http.StatusBadRequest,
				discordgo.ErrCodeCannotExecuteActionOnThisChannelType,
			),
			want: ErrFetchUnsupported,
		},
		{
			name: "bare 404",
			err:  &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}},
			want: ErrMessageNotFound,
		},
		{
			name: "not a rest error",
			err:  other,
			want: other,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				got := classifyFetchError(tc.err)
				assert.ErrorIs(t, got, tc.want)
				assert.ErrorIs(t, got, tc.err)
			},
		)
	}
}

func TestResolveTier(t *testing.T) {
	assert.Equal(t, "C", TierCache.Code())
	assert.Equal(t, "R", TierResolved.Code())
	assert.Equal(t, "F", TierFetched.Code())
	assert.Equal(t, "-", TierNone.Code())
	assert.Equal(t, "fetched", TierFetched.String())
}

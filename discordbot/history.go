package discordbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// HistoryStrategy selects how prior conversation is gathered for a trigger.
type HistoryStrategy string

const (
	// HistoryReplyChain walks reply references back from the trigger
	HistoryReplyChain HistoryStrategy = "reply_chain"

	// HistoryWindow takes the N messages preceding the trigger
	HistoryWindow HistoryStrategy = "window"
)

// discord's page size for channel message history
const maxMessagesPerRequest = 100

// formatting concurrency; each fragment may download attachments
const maxConcurrentFormats = 4

var (
	ErrNoReference      = errors.New("message has no reply reference")
	ErrMessageNotFound  = errors.New("referenced message not found")
	ErrFetchForbidden   = errors.New("missing access to referenced message")
	ErrFetchUnsupported = errors.New("channel does not support message fetch")
	ErrDeletedReference = errors.New("referenced message was deleted")
	ErrUnknownStrategy  = errors.New("unknown history strategy")
)

// ConversationContext is an ordered, oldest-first sequence of fragments.
// When produced by HistoryResolver it holds only prior messages; the
// trigger's own fragment is appended when the prompt is assembled.
type ConversationContext []ContextFragment

func (c ConversationContext) HasImages() bool {
	return slices.ContainsFunc(c, ContextFragment.HasImages)
}

// MessageFetcher is the subset of *discordgo.Session used to read
// channel messages.
type MessageFetcher interface {
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)
}

// ResolveTier identifies which lookup satisfied a reference.
type ResolveTier int

const (
	TierNone ResolveTier = iota
	TierCache
	TierResolved
	TierFetched
)

func (t ResolveTier) String() string {
	switch t {
	case TierCache:
		return "cache"
	case TierResolved:
		return "resolved"
	case TierFetched:
		return "fetched"
	default:
		return "none"
	}
}

// Code is the single-letter form used in the per-chain lookup log
func (t ResolveTier) Code() string {
	switch t {
	case TierCache:
		return "C"
	case TierResolved:
		return "R"
	case TierFetched:
		return "F"
	default:
		return "-"
	}
}

// MessageResolver looks up the message a reply points at. It tries, in
// order: messages the bot has already seen, the copy discord embedded in
// the event, and finally a REST fetch.
type MessageResolver struct {
	cache   *expirable.LRU[string, *discordgo.Message]
	fetcher MessageFetcher
	metrics *Metrics
}

func NewMessageResolver(
	cfg *HistoryConfig,
	fetcher MessageFetcher,
	metrics *Metrics,
) *MessageResolver {
	size := DefaultHistoryCacheSize
	ttl := DefaultHistoryCacheTTL
	if cfg != nil {
		if cfg.CacheSize > 0 {
			size = cfg.CacheSize
		}
		ttl = cfg.CacheTTL
	}
	return &MessageResolver{
		cache:   expirable.NewLRU[string, *discordgo.Message](size, nil, ttl),
		fetcher: fetcher,
		metrics: metrics,
	}
}

// Remember caches m for later reply lookups
func (r *MessageResolver) Remember(m *discordgo.Message) {
	if m == nil || m.ID == "" {
		return
	}
	r.cache.Add(m.ID, m)
}

// Forget drops a deleted message from the cache
func (r *MessageResolver) Forget(messageID string) {
	r.cache.Remove(messageID)
}

func (r *MessageResolver) Cached(messageID string) (*discordgo.Message, bool) {
	return r.cache.Get(messageID)
}

// Resolve returns the message m replies to, and the tier that found it.
func (r *MessageResolver) Resolve(
	ctx context.Context,
	m *discordgo.Message,
) (*discordgo.Message, ResolveTier, error) {
	ref := m.MessageReference
	if ref == nil || ref.MessageID == "" {
		return nil, TierNone, ErrNoReference
	}

	if cached, ok := r.cache.Get(ref.MessageID); ok {
		r.metrics.IncHistoryLookup(TierCache)
		return cached, TierCache, nil
	}

	if m.ReferencedMessage != nil {
		r.Remember(m.ReferencedMessage)
		r.metrics.IncHistoryLookup(TierResolved)
		return m.ReferencedMessage, TierResolved, nil
	}

	if r.fetcher == nil {
		return nil, TierNone, ErrFetchUnsupported
	}
	channelID := ref.ChannelID
	if channelID == "" {
		channelID = m.ChannelID
	}
	fetched, err := r.fetcher.ChannelMessage(
		channelID,
		ref.MessageID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, TierNone, classifyFetchError(err)
	}
	if fetched == nil {
		return nil, TierNone, ErrDeletedReference
	}
	r.Remember(fetched)
	r.metrics.IncHistoryLookup(TierFetched)
	return fetched, TierFetched, nil
}

// classifyFetchError maps a discord REST error onto the resolver's
// sentinel errors, keeping the original error in the chain.
func classifyFetchError(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMessage:
			return fmt.Errorf("%w: %w", ErrMessageNotFound, err)
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %w", ErrFetchForbidden, err)
		case discordgo.ErrCodeCannotExecuteActionOnThisChannelType:
			return fmt.Errorf("%w: %w", ErrFetchUnsupported, err)
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrMessageNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrFetchForbidden, err)
		}
	}
	return err
}

// HistoryResolver gathers the conversation preceding a trigger message.
// Lookup failures end the gathered history early; they are logged and
// never returned.
type HistoryResolver struct {
	resolver  *MessageResolver
	fetcher   MessageFetcher
	formatter *ContextFormatter
	logger    *slog.Logger
}

func NewHistoryResolver(
	resolver *MessageResolver,
	fetcher MessageFetcher,
	formatter *ContextFormatter,
	logger *slog.Logger,
) *HistoryResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryResolver{
		resolver:  resolver,
		fetcher:   fetcher,
		formatter: formatter,
		logger:    logger,
	}
}

// Resolve returns the prior conversation for trigger, oldest first.
// windowSize is only used by HistoryWindow.
func (h *HistoryResolver) Resolve(
	ctx context.Context,
	trigger *discordgo.Message,
	strategy HistoryStrategy,
	windowSize int,
) (ConversationContext, error) {
	var prior []*discordgo.Message
	switch strategy {
	case HistoryReplyChain:
		prior = h.replyChain(ctx, trigger)
	case HistoryWindow:
		prior = h.window(ctx, trigger, windowSize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	return h.format(ctx, prior)
}

// replyChain walks reply references back from trigger and returns the
// ancestors oldest-first.
func (h *HistoryResolver) replyChain(
	ctx context.Context,
	trigger *discordgo.Message,
) []*discordgo.Message {
	logger := loggerFrom(ctx, h.logger)

	var chain []*discordgo.Message
	var tiers strings.Builder
	seen := map[string]struct{}{trigger.ID: {}}

	current := trigger
	for current.MessageReference != nil {
		if ctx.Err() != nil {
			break
		}
		msg, tier, err := h.resolver.Resolve(ctx, current)
		if err != nil {
			if !errors.Is(err, ErrNoReference) {
				logger.WarnContext(
					ctx,
					"stopping reply chain",
					"message_id", current.ID,
					"reference_id", current.MessageReference.MessageID,
					"depth", len(chain),
					tint.Err(err),
				)
			}
			break
		}
		tiers.WriteString(tier.Code())
		if _, ok := seen[msg.ID]; ok {
			logger.WarnContext(
				ctx,
				"reply chain revisits a message, stopping",
				"message_id", msg.ID,
			)
			break
		}
		seen[msg.ID] = struct{}{}
		chain = append(chain, msg)
		current = msg
	}

	if tiers.Len() > 0 {
		logger.DebugContext(
			ctx,
			"reply chain resolved",
			"trigger_id", trigger.ID,
			"depth", len(chain),
			"lookups", tiers.String(),
		)
	}
	slices.Reverse(chain)
	return chain
}

// window fetches up to n messages sent before trigger, oldest-first.
func (h *HistoryResolver) window(
	ctx context.Context,
	trigger *discordgo.Message,
	n int,
) []*discordgo.Message {
	if n <= 0 {
		return nil
	}
	logger := loggerFrom(ctx, h.logger)
	if h.fetcher == nil {
		logger.WarnContext(
			ctx,
			"channel history unavailable",
			"channel_id", trigger.ChannelID,
			tint.Err(ErrFetchUnsupported),
		)
		return nil
	}

	// newest-first, as returned by discord
	var collected []*discordgo.Message
	before := trigger.ID
	for remaining := n; remaining > 0; {
		limit := min(remaining, maxMessagesPerRequest)
		page, err := h.fetcher.ChannelMessages(
			trigger.ChannelID,
			limit,
			before,
			"",
			"",
			discordgo.WithContext(ctx),
		)
		if err != nil {
			logger.WarnContext(
				ctx,
				"stopping history fetch",
				"channel_id", trigger.ChannelID,
				"before_id", before,
				"collected", len(collected),
				tint.Err(classifyFetchError(err)),
			)
			break
		}
		collected = append(collected, page...)
		if len(page) < limit {
			break
		}
		remaining -= len(page)
		before = page[len(page)-1].ID
	}

	if len(collected) > n {
		collected = collected[:n]
	}
	for _, m := range collected {
		h.resolver.Remember(m)
	}
	slices.Reverse(collected)
	return collected
}

// format renders each message concurrently, keeping input order.
func (h *HistoryResolver) format(
	ctx context.Context,
	msgs []*discordgo.Message,
) (ConversationContext, error) {
	if len(msgs) == 0 {
		return ConversationContext{}, nil
	}
	fragments := make(ConversationContext, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFormats)
	for i, m := range msgs {
		g.Go(
			func() error {
				fragments[i] = h.formatter.Format(gctx, m)
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fragments, nil
}

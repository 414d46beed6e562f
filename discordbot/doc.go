// Package discordbot implements a Discord chat bot that answers mentions
// and replies with text generated by a roster of language models.
//
// A triggering message is turned into a prompt in four steps:
//
//   - ContextFormatter renders each message as a ContextFragment: a
//     sender/message header plus any attached images.
//   - HistoryResolver gathers prior fragments, either by walking the
//     reply chain or by taking a fixed window of preceding messages.
//   - AssemblePrompt combines the fragments into a TextPrompt, or a
//     MultipartPrompt when any fragment carries images.
//   - ModelInvoker tries each model in the roster in order, starting from
//     a configured index, until one produces non-empty output.
//
// The reply is split by ChunkText into sentence-aligned pieces that fit
// Discord's message length limit, and sent as a reply followed by plain
// messages.
//
// Beyond the reply pipeline, Bot also greets joining members, says
// goodbye to departing ones, applies timeouts requested by its own
// output, and serves slash commands (/message, /help, /tags, /reload,
// /join, /leave, /tts). An optional admin API exposes health, metrics,
// config reload and recent request records.
package discordbot

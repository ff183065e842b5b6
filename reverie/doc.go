// Package reverie implements a Discord roleplay bot backed by Google's
// Gemini API, with durable per-user conversation state.
//
// Reverie keeps a bounded history of each user's conversation, conditions
// every reply on a configurable character persona, and periodically
// distills conversations into prose "narratives" the bot can recall later.
// When the primary model is rate limited or failing, requests fall back
// across a configured model priority list, and rate-limited models are
// suspended until their retry window elapses.
//
// Key components of the package include:
//
//   - Reverie: The orchestrator that sequences a conversation turn end to
//     end: availability checks, response generation, history persistence,
//     auto-summarization, and output segmentation.
//   - HistoryStore / NarrativeStore: Bounded per-user conversation state,
//     cached in memory and written through to the database.
//   - ModelAvailability: A minimal circuit breaker over the upstream
//     model pool.
//   - ResponseGenerator: Prompt construction and the primary/fallback
//     model loop.
//   - AutoSummarizer: The threshold-and-cooldown trigger that generates
//     narratives in the background.
//   - Gemini: The upstream API client.
//   - Discord: Slash-command handling and reply delivery.
//
// The bot supports three commands:
//
//   - /chat: Talk to a character.
//   - /memory: Recall or regenerate the bot's narrative memory of the
//     conversation.
//   - /clear: Forget the conversation history and narratives.
package reverie

// Package linkpersona implements a Discord bot that summarizes linked
// articles and holds persona-flavored conversations, backed by an
// OpenAI-compatible chat completion API.
//
// The bot watches channels it can read. When a message contains a URL, it
// fetches the page, extracts the readable article text, and posts a short
// summary written in the voice of the channel's active persona. When a
// message mentions the bot, it replies in persona, carrying a bounded
// per-channel conversation history.
//
// Key components of the package include:
//
//   - LinkPersona: The main struct that ties the bot's components together.
//   - ConversationStore: In-memory per-channel persona and history state.
//   - Dispatcher: Classifies inbound messages and routes them to the
//     summarize or chat pipelines.
//   - PersonaRegistry: Loads persona definitions from YAML files and
//     reloads them when the files change.
//   - ArticleFetcher: Retrieves and extracts readable text from web pages.
//   - LLMClient: Wraps the chat completion API, including provider presets
//     and client-side request pacing.
//   - API: An HTTP surface mirroring the summarize and chat pipelines for
//     use outside Discord.
//
// The bot supports these slash commands:
//
//   - /persona: Shows or switches the channel's active persona. Switching
//     always discards the channel's conversation history.
//   - /debate: Fetches an article and stages a three-part debate about it.
//   - /stats: Reports conversation state counters.
//
// Conversation state lives in memory only. Restarting the process starts
// every channel fresh.
package linkpersona

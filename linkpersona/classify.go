package linkpersona

import (
	"fmt"
	"regexp"
	"strings"
)

// urlPattern matches a well-formed http(s) URL anywhere in message text.
var urlPattern = regexp.MustCompile(
	`http[s]?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`,
)

// defaultChatPrompt substitutes for a mention whose content is empty
// after the mention tokens are removed.
const defaultChatPrompt = "Say something and I'll reply."

// InboundMessage is a platform-independent view of a channel message,
// carrying only the fields classification needs.
type InboundMessage struct {
	ChannelID string
	UserID    string
	Username  string
	Content   string

	// SelfID is the bot's own user ID, used to strip mention tokens.
	SelfID string

	// AuthorIsSelf is true when the bot authored the message.
	AuthorIsSelf bool

	// MentionsBot is true when the message directly mentions the bot
	// (not a reply-context mention).
	MentionsBot bool

	// Source labels the frontend that delivered the message ("discord"
	// or "api"), recorded on audit rows.
	Source string
}

// MessageAction is the classification of an inbound unit of work. It is
// one of ActionIgnore, ActionSummarize, ActionChat or ActionCommand, and
// the dispatcher has exactly one branch per variant.
type MessageAction interface {
	messageAction()
}

// ActionIgnore means the message produces no response and no state
// change.
type ActionIgnore struct {
	Reason string
}

// ActionSummarize means the message contained a URL and the first one
// should be summarized.
type ActionSummarize struct {
	URL string
}

// ActionChat means the message mentioned the bot and the cleaned content
// should go through the persona-chat pipeline.
type ActionChat struct {
	Content string
}

// ActionCommand is an explicit command invocation (a slash command on
// Discord, or an equivalent API request).
type ActionCommand struct {
	Name string
	Args []string
}

func (ActionIgnore) messageAction()    {}
func (ActionSummarize) messageAction() {}
func (ActionChat) messageAction()      {}
func (ActionCommand) messageAction()   {}

// ClassifyMessage decides how a plain channel message is handled. The
// checks run in fixed priority order and the first match wins:
//
//  1. Messages the bot authored are ignored.
//  2. Messages starting with "/" are ignored; commands arrive as
//     interactions, so this is someone typing a command the client
//     didn't recognize.
//  3. A message containing at least one URL is summarized, using the
//     first URL only.
//  4. A message mentioning the bot goes to persona chat, with the
//     mention tokens stripped.
//  5. Anything else is ignored.
func ClassifyMessage(msg InboundMessage) MessageAction {
	if msg.AuthorIsSelf {
		return ActionIgnore{Reason: "self_author"}
	}
	if strings.HasPrefix(msg.Content, "/") {
		return ActionIgnore{Reason: "command_prefix"}
	}
	if url := firstURL(msg.Content); url != "" {
		return ActionSummarize{URL: url}
	}
	if msg.MentionsBot {
		return ActionChat{Content: mentionContent(msg.Content, msg.SelfID)}
	}
	return ActionIgnore{Reason: "no_trigger"}
}

// firstURL returns the first URL in content, or "" if none is present.
func firstURL(content string) string {
	return urlPattern.FindString(content)
}

// mentionContent strips the bot's mention tokens from content. If
// nothing remains, a default prompt is returned so the chat pipeline
// always has a user message.
func mentionContent(content string, selfID string) string {
	if selfID != "" {
		content = strings.ReplaceAll(
			content,
			fmt.Sprintf("<@%s>", selfID),
			"",
		)
		content = strings.ReplaceAll(
			content,
			fmt.Sprintf("<@!%s>", selfID),
			"",
		)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return defaultChatPrompt
	}
	return content
}

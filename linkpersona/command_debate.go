package linkpersona

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// discordMaxEmbedFieldLength is Discord's cap on an embed field value.
const discordMaxEmbedFieldLength = 1024

// handleDebateCommand handles the `/debate` slash command. Fetching the
// article and running three completions takes well past the interaction
// ack deadline, so the response is deferred and edited in when ready.
func (d *Discord) handleDebateCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = d.logger
	}

	user := getDiscordUser(i)
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in interaction")
		return
	}

	var url string
	if opt, ok := discordInteractionOptions(i)[debateCommandURLOption]; ok {
		url = strings.TrimSpace(opt.StringValue())
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		d.respondText(
			ctx,
			i,
			fmt.Sprintf("That doesn't look like a URL: %s", url),
			true,
		)
		return
	}

	if err := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	reply, err := d.dispatcher.DebateCommand(
		ctx,
		i.ChannelID,
		user.ID,
		url,
		requestSourceDiscord,
	)
	if err != nil {
		content := UserFacingError(err)
		if _, editErr := d.session.InteractionResponseEdit(
			i.Interaction,
			&discordgo.WebhookEdit{Content: &content},
		); editErr != nil {
			logger.ErrorContext(ctx, "error updating interaction", tint.Err(editErr))
		}
		return
	}

	embeds := []*discordgo.MessageEmbed{debateEmbed(reply)}
	if _, editErr := d.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Embeds: &embeds},
	); editErr != nil {
		logger.ErrorContext(ctx, "error updating interaction", tint.Err(editErr))
	}
}

// handleStatsCommand handles the `/stats` slash command.
func (d *Discord) handleStatsCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = d.logger
	}

	user := getDiscordUser(i)
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in interaction")
		return
	}

	reply, err := d.dispatcher.StatsCommand(
		ctx,
		i.ChannelID,
		user.ID,
		requestSourceDiscord,
	)
	if err != nil {
		d.respondText(ctx, i, UserFacingError(err), true)
		return
	}

	if respErr := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{statsEmbed(reply)},
			},
		},
	); respErr != nil {
		logger.ErrorContext(ctx, "error sending stats", tint.Err(respErr))
	}
}

// debateEmbed renders a three-stage debate. Each stage is capped to
// Discord's embed field limit.
func debateEmbed(r *DebateReply) *discordgo.MessageEmbed {
	title := "Article debate"
	if r.ArticleTitle != "" {
		title = r.ArticleTitle
	}
	return &discordgo.MessageEmbed{
		Title: title,
		URL:   r.ArticleURL,
		Color: defaultEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "🗣️ Claim",
				Value: shortenString(r.Stance, discordMaxEmbedFieldLength),
			},
			{
				Name:  "🔄 Counter",
				Value: shortenString(r.Counter, discordMaxEmbedFieldLength),
			},
			{
				Name:  "⚖️ Verdict",
				Value: shortenString(r.Verdict, discordMaxEmbedFieldLength),
			},
		},
	}
}

// statsEmbed renders store and registry counters.
func statsEmbed(r *StatsReply) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Bot stats",
		Color: defaultEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Channels",
				Value:  fmt.Sprintf("%d", r.Conversations.ChannelCount),
				Inline: true,
			},
			{
				Name:   "With persona",
				Value:  fmt.Sprintf("%d", r.Conversations.ChannelsWithPersona),
				Inline: true,
			},
			{
				Name:   "With history",
				Value:  fmt.Sprintf("%d", r.Conversations.ChannelsWithHistory),
				Inline: true,
			},
			{
				Name:   "Messages held",
				Value:  fmt.Sprintf("%d", r.Conversations.TotalMessageCount),
				Inline: true,
			},
			{
				Name:   "Personas",
				Value:  fmt.Sprintf("%d", r.PersonaCount),
				Inline: true,
			},
		},
	}
}

package linkpersona

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handlePersonaCommand handles the `/persona` slash command. Without a
// style argument it responds with a persona picker; with one it switches
// (or resets) the channel voice immediately.
func (d *Discord) handlePersonaCommand(
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

	var styleID string
	if opt, ok := discordInteractionOptions(i)[personaCommandStyleOption]; ok {
		styleID = strings.TrimSpace(opt.StringValue())
	}

	reply, err := d.dispatcher.PersonaCommand(
		ctx,
		i.ChannelID,
		user.ID,
		styleID,
		requestSourceDiscord,
	)
	if err != nil {
		d.respondText(ctx, i, UserFacingError(err), true)
		return
	}

	if reply.Outcome == PersonaOutcomeChoices {
		respErr := d.session.InteractionRespond(
			i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content:    "Pick the voice for this channel:",
					Components: personaSelectComponents(reply.Choices),
				},
			},
		)
		if respErr != nil {
			logger.ErrorContext(
				ctx,
				"error sending persona picker",
				tint.Err(respErr),
			)
		}
		return
	}

	respErr := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{
					personaConfirmationEmbed(reply),
				},
			},
		},
	)
	if respErr != nil {
		logger.ErrorContext(
			ctx,
			"error sending persona confirmation",
			tint.Err(respErr),
		)
	}
}

// handlePersonaSelect handles a selection made in the persona picker.
// It replaces the picker message with a confirmation, so the menu can't
// be reused. Picker selections settle a prompt the user already paid the
// command cooldown for, so they aren't charged again.
func (d *Discord) handlePersonaSelect(
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

	values := i.MessageComponentData().Values
	if len(values) == 0 {
		logger.WarnContext(ctx, "persona select interaction without values")
		return
	}
	styleID := values[0]

	reply, err := d.dispatcher.CommitPersona(
		ctx,
		i.ChannelID,
		user.ID,
		styleID,
		requestSourceDiscord,
	)

	response := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Components: []discordgo.MessageComponent{},
		},
	}
	if err != nil {
		content := UserFacingError(err)
		response.Data.Content = content
	} else {
		response.Data.Content = ""
		response.Data.Embeds = []*discordgo.MessageEmbed{
			personaConfirmationEmbed(reply),
		}
	}

	if respErr := d.session.InteractionRespond(
		i.Interaction, response,
	); respErr != nil {
		logger.ErrorContext(
			ctx,
			"error updating persona picker",
			tint.Err(respErr),
		)
	}
}

// respondText sends a plain text interaction response, optionally
// ephemeral.
func (d *Discord) respondText(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	data := &discordgo.InteractionResponseData{
		Content: shortenString(content, discordMaxMessageLength),
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	if err := d.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		},
	); err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok {
			logger = d.logger
		}
		logger.ErrorContext(
			ctx,
			"error sending interaction response",
			tint.Err(err),
		)
	}
}

// personaSelectComponents renders personas as string select menus,
// split across menus when the registry exceeds Discord's per-menu
// option cap.
func personaSelectComponents(personas []Persona) []discordgo.MessageComponent {
	options := make([]discordgo.SelectMenuOption, 0, len(personas))
	for _, p := range personas {
		option := discordgo.SelectMenuOption{
			Label:       p.Name,
			Value:       p.ID,
			Description: truncate(p.Description, discordSelectDescriptionMaxLength),
		}
		if p.Icon != "" {
			option.Emoji = &discordgo.ComponentEmoji{Name: p.Icon}
		}
		options = append(options, option)
	}

	var rows []discordgo.MessageComponent
	for n, chunk := range chunkItems(discordSelectMaxOptions, options...) {
		rows = append(
			rows, discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.SelectMenu{
						MenuType:    discordgo.StringSelectMenu,
						CustomID:    fmt.Sprintf("%s:%d", personaSelectCustomID, n),
						Placeholder: "Pick a persona...",
						Options:     chunk,
					},
				},
			},
		)
	}
	return rows
}

// personaConfirmationEmbed renders the result of a persona switch or
// reset.
func personaConfirmationEmbed(reply *PersonaReply) *discordgo.MessageEmbed {
	if reply.Outcome == PersonaOutcomeReset || reply.Persona == nil {
		return &discordgo.MessageEmbed{
			Title: "Persona reset",
			Description: "Back to the default voice. " +
				fmt.Sprintf(
					"Use `/%s` to pick a new one.",
					DiscordSlashCommandPersona,
				),
			Color: defaultEmbedColor,
		}
	}

	persona := reply.Persona
	color := persona.Color
	if color == 0 {
		color = defaultEmbedColor
	}
	description := fmt.Sprintf(
		"This channel now speaks as **%s**.",
		persona.DisplayName(),
	)
	if persona.Description != "" {
		description = fmt.Sprintf("%s\n%s", description, persona.Description)
	}
	description = fmt.Sprintf(
		"%s\n\nUse `/%s reset` to restore the default voice.",
		description,
		DiscordSlashCommandPersona,
	)

	return &discordgo.MessageEmbed{
		Title:       "Persona set",
		Description: description,
		Color:       color,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Persona ID: %s", persona.ID),
		},
	}
}

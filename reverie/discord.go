package reverie

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	chatCommandMessageOption   = "message"
	chatCommandCharacterOption = "character"
	memoryCommandNewOption     = "new"

	// followUpDelay spaces out multipart follow-up messages slightly,
	// so a long segmented reply reads like consecutive messages rather
	// than a burst
	followUpDelay = time.Second

	narrativeEmbedColor = 0x0099ff
)

// Discord owns the gateway session and the slash command surface. It
// contains no conversation logic: every handler is a thin translation
// between Discord interactions and the Reverie orchestrator.
type Discord struct {
	session   *discordgo.Session
	config    *DiscordConfig
	logger    *slog.Logger
	r         *Reverie
	connected atomic.Bool

	removeHandlerFuncs []func()
}

func newDiscord(r *Reverie, config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config: config,
		logger: newLogger(config.LogLevel, "discord"),
		r:      r,
	}

	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents
	session.LogLevel = discordgo.LogDebug
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogger(config.DiscordGoLogLevel, "discordgo").Handler(),
	)
	d.session = session
	return d, nil
}

// Connect opens the gateway connection, registers handlers and
// overwrites the application's slash commands.
func (d *Discord) Connect(_ context.Context) error {
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handleReady),
		d.session.AddHandler(d.handleInteractionCreate),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	d.connected.Store(true)

	_, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.applicationCommands(),
	)
	if err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	return nil
}

// Close removes handlers and closes the gateway connection.
func (d *Discord) Close() error {
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil
	if !d.connected.Swap(false) {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) applicationCommands() []*discordgo.ApplicationCommand {
	dmPermission := true
	return []*discordgo.ApplicationCommand{
		{
			Name:         DiscordSlashCommandChat,
			Description:  "Talk with the character",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        chatCommandMessageOption,
					Description: DefaultDiscordChatOptionDescription,
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        chatCommandCharacterOption,
					Description: "Character to talk to (default if omitted)",
				},
			},
		},
		{
			Name:         DiscordSlashCommandMemory,
			Description:  "Show what the character remembers about your conversations",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        memoryCommandNewOption,
					Description: "Generate a fresh memory instead of showing the saved one",
				},
			},
		},
		{
			Name:         DiscordSlashCommandClear,
			Description:  "Forget our conversation history and memories",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPermission,
		},
	}
}

func (d *Discord) handleReady(s *discordgo.Session, _ *discordgo.Ready) {
	d.logger.Info("discord session ready")
	if d.config.CustomStatus != "" {
		if err := s.UpdateCustomStatus(d.config.CustomStatus); err != nil {
			d.logger.Warn("error setting custom status", tint.Err(err))
		}
	}
}

// interactionUser returns the invoking user for both guild and DM
// interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}

func (d *Discord) handleInteractionCreate(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := interactionUser(i)
	if user == nil {
		d.logger.Warn("interaction without a user, ignoring")
		return
	}

	data := i.ApplicationCommandData()
	logger := d.logger.With(
		"command", data.Name,
		"user_id", user.ID,
	)

	switch data.Name {
	case DiscordSlashCommandChat:
		d.handleChat(s, i, user, logger)
	case DiscordSlashCommandMemory:
		d.handleMemory(s, i, user, logger)
	case DiscordSlashCommandClear:
		d.handleClear(s, i, user, logger)
	default:
		logger.Warn("unknown command")
	}
}

// commandOptions flattens interaction options into a name-keyed map.
func commandOptions(
	data discordgo.ApplicationCommandInteractionData,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := map[string]*discordgo.ApplicationCommandInteractionDataOption{}
	for _, option := range data.Options {
		options[option.Name] = option
	}
	return options
}

func (d *Discord) handleChat(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	logger *slog.Logger,
) {
	if d.r.IsInFlight(user.ID) {
		d.respondEphemeral(s, i, DefaultDiscordBusyMessage, logger)
		return
	}

	options := commandOptions(i.ApplicationCommandData())
	message := options[chatCommandMessageOption].StringValue()
	var characterID string
	if option, ok := options[chatCommandCharacterOption]; ok {
		characterID = option.StringValue()
	}

	if err := d.deferResponse(s, i); err != nil {
		logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	go func() {
		reply, err := d.r.HandleTurn(
			context.Background(),
			user.ID,
			message,
			characterID,
		)
		if err != nil {
			d.editResponse(s, i, userFacingError(err), logger)
			return
		}

		d.editResponse(s, i, reply.Parts[0], logger)
		for _, part := range reply.Parts[1:] {
			time.Sleep(followUpDelay)
			_, followErr := s.FollowupMessageCreate(
				i.Interaction,
				true,
				&discordgo.WebhookParams{Content: part},
			)
			if followErr != nil {
				logger.Error(
					"error sending follow-up part",
					tint.Err(followErr),
				)
				return
			}
		}
	}()
}

func (d *Discord) handleMemory(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	logger *slog.Logger,
) {
	options := commandOptions(i.ApplicationCommandData())
	forceNew := false
	if option, ok := options[memoryCommandNewOption]; ok {
		forceNew = option.BoolValue()
	}

	if err := d.deferResponse(s, i); err != nil {
		logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	go func() {
		narrative, ok := "", false
		if !forceNew {
			narrative, ok = d.r.GetSummary(user.ID)
		}
		if !ok {
			generated, err := d.r.RequestNewSummary(
				context.Background(),
				user.ID,
				"",
			)
			if err != nil {
				d.editResponse(s, i, userFacingError(err), logger)
				return
			}
			narrative = generated
		}

		if narrative == "" {
			// not enough conversation yet: show stats instead
			d.editResponse(s, i, statsMessage(d.r.GetHistoryStats(user.ID)), logger)
			return
		}

		embed := &discordgo.MessageEmbed{
			Title:       "Conversation Memory",
			Description: narrative,
			Color:       narrativeEmbedColor,
			Footer: &discordgo.MessageEmbedFooter{
				Text: "A memory of our conversations",
			},
		}
		_, err := s.InteractionResponseEdit(
			i.Interaction,
			&discordgo.WebhookEdit{
				Embeds: &[]*discordgo.MessageEmbed{embed},
			},
		)
		if err != nil {
			logger.Error("error sending narrative embed", tint.Err(err))
		}
	}()
}

func (d *Discord) handleClear(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	logger *slog.Logger,
) {
	d.r.ClearAll(user.ID)
	d.respondEphemeral(
		s,
		i,
		"Our conversation history and memories have been cleared.",
		logger,
	)
}

func statsMessage(stats HistoryStats) string {
	if stats.TotalMessages == 0 {
		return "We haven't talked yet - say something with /chat!"
	}
	first := time.UnixMilli(stats.FirstTimestamp).Format(time.RFC1123)
	last := time.UnixMilli(stats.LastTimestamp).Format(time.RFC1123)
	return fmt.Sprintf(
		"**Our conversation so far**\n\n"+
			"Total messages: %d\n"+
			"Your messages: %d\n"+
			"My messages: %d\n"+
			"First talked: %s\n"+
			"Last talked: %s\n\n"+
			"Not enough conversation yet for a proper memory - let's talk some more!",
		stats.TotalMessages,
		stats.UserMessages,
		stats.AssistantMessages,
		first,
		last,
	)
}

// userFacingError maps orchestrator errors to the message shown to
// the user. Rate-limit exhaustion includes the concrete wait time;
// other upstream failures get a generic retry message rather than
// leaking the underlying error text.
func userFacingError(err error) string {
	var unavailable *AllModelsUnavailableError
	if errors.As(err, &unavailable) {
		return fmt.Sprintf(
			"I'm being rate limited - please try again in %d seconds.",
			int(unavailable.RetryAfter.Round(time.Second).Seconds()),
		)
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return "All of my AI models are unavailable right now. Please try again in a few minutes."
	}
	return DefaultDiscordErrorMessage
}

func (d *Discord) deferResponse(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) error {
	return s.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
}

func (d *Discord) editResponse(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	content string,
	logger *slog.Logger,
) {
	_, err := s.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	)
	if err != nil {
		logger.Error("error editing interaction response", tint.Err(err))
	}
}

func (d *Discord) respondEphemeral(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
	content string,
	logger *slog.Logger,
) {
	err := s.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		logger.Error("error sending ephemeral response", tint.Err(err))
	}
}

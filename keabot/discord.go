package keabot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	embedColor       = 0xff0000
	emptyEmbedValue  = "\u200b"
	maxMessageLength = 2000
)

// Discord manages the gateway session, converts gateway events into
// Events for the Dispatcher and sends the replies back.
type Discord struct {
	session    DiscordSessionHandler
	config     *DiscordConfig
	logger     *slog.Logger
	dispatcher *Dispatcher
	metrics    *Metrics

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64

	removeHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger, metrics *Metrics) *Discord {
	return &Discord{
		config:             config,
		logger:             logger,
		metrics:            metrics,
		removeHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session for the configured token.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// registerHandlers adds the gateway event handlers to the session,
// replacing any previously added. Message and reaction events are each
// handled on their own goroutine, tracked by wg.
func (d *Discord) registerHandlers(ctx context.Context, wg *sync.WaitGroup) {
	d.removeHandlers()
	d.removeHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.handleMessageCreate(ctx, m)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.handleReactionAdd(ctx, r)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.handleReactionRemove(ctx, r)
				}()
			},
		),
	}
}

func (d *Discord) removeHandlers() {
	for _, h := range d.removeHandlerFuncs {
		h()
	}
	d.removeHandlerFuncs = []func(){}
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			columnUserID, userID,
			"username", username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.metrics.setGatewayConnected(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.metrics.setGatewayConnected(false)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// commandFromMessage converts a message into a CommandInvoked. ok is
// false for messages that aren't commands: anything from a bot, outside
// a server, or not starting with the command prefix.
func commandFromMessage(m *discordgo.Message, prefix string) (cmd CommandInvoked, ok bool) {
	if m == nil || m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return cmd, false
	}
	content, found := strings.CutPrefix(strings.TrimSpace(m.Content), prefix)
	if !found {
		return cmd, false
	}
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return cmd, false
	}

	cmd = CommandInvoked{
		ServerID:  m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		Command:   strings.ToLower(fields[0]),
		Args:      fields[1:],
	}
	for _, u := range m.Mentions {
		if u != nil {
			cmd.Mentions = append(cmd.Mentions, u.ID)
		}
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		cmd.Attachments = append(
			cmd.Attachments,
			Attachment{
				Filename:    a.Filename,
				ContentType: a.ContentType,
				URL:         a.URL,
				Size:        int64(a.Size),
			},
		)
	}
	return cmd, true
}

func (d *Discord) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil {
		return
	}
	cmd, ok := commandFromMessage(m.Message, d.config.CommandPrefix)
	if !ok {
		return
	}
	reply, err := d.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		d.logger.DebugContext(ctx, "command failed", "command", cmd, tint.Err(err))
	}
	if reply.Empty() {
		return
	}
	if sendErr := d.sendReply(ctx, cmd.ServerID, cmd.ChannelID, cmd.MessageID, reply); sendErr != nil {
		d.logger.ErrorContext(ctx, "error sending reply", "command", cmd, tint.Err(sendErr))
	}
}

// reactionFromGateway converts a gateway reaction, looking up the author
// of the reacted-to message. Returns false for reactions outside a
// server, or with anything but the gold emoji, without any lookup.
func (d *Discord) reactionFromGateway(
	ctx context.Context,
	r *discordgo.MessageReaction,
) (Reaction, bool) {
	if r == nil || r.GuildID == "" {
		return Reaction{}, false
	}
	if r.Emoji.ID == "" || r.Emoji.Name != d.config.GoldEmoji {
		return Reaction{}, false
	}
	msg, err := d.session.ChannelMessage(
		r.ChannelID,
		r.MessageID,
		discordgo.WithContext(ctx),
	)
	if err != nil || msg == nil || msg.Author == nil {
		d.logger.ErrorContext(
			ctx,
			"unable to get reacted message",
			"channel_id", r.ChannelID,
			"message_id", r.MessageID,
			tint.Err(err),
		)
		return Reaction{}, false
	}
	return Reaction{
		ServerID:        r.GuildID,
		ChannelID:       r.ChannelID,
		MessageID:       r.MessageID,
		MessageAuthorID: msg.Author.ID,
		ReactorID:       r.UserID,
		Emoji:           Emoji{ID: r.Emoji.ID, Name: r.Emoji.Name},
	}, true
}

func (d *Discord) handleReactionAdd(ctx context.Context, r *discordgo.MessageReactionAdd) {
	if r == nil {
		return
	}
	reaction, ok := d.reactionFromGateway(ctx, r.MessageReaction)
	if !ok {
		return
	}
	_, _ = d.dispatcher.Dispatch(ctx, ReactionAdded{Reaction: reaction})
}

func (d *Discord) handleReactionRemove(ctx context.Context, r *discordgo.MessageReactionRemove) {
	if r == nil {
		return
	}
	reaction, ok := d.reactionFromGateway(ctx, r.MessageReaction)
	if !ok {
		return
	}
	_, _ = d.dispatcher.Dispatch(ctx, ReactionRemoved{Reaction: reaction})
}

// messageSend builds the discord message for a reply, as a reply to the
// referenced message. The caller closes any opened file.
func messageSend(serverID, channelID, messageID string, reply *Reply) (*discordgo.MessageSend, *os.File, error) {
	msg := &discordgo.MessageSend{
		Content: truncate(reply.Text, maxMessageLength),
		Reference: &discordgo.MessageReference{
			MessageID: messageID,
			ChannelID: channelID,
			GuildID:   serverID,
		},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if reply.Embed != nil {
		msg.Embeds = []*discordgo.MessageEmbed{discordEmbed(reply.Embed)}
	}
	if reply.File == "" {
		return msg, nil, nil
	}

	f, err := os.Open(reply.File)
	if err != nil {
		return nil, nil, &StorageError{Op: "open media", Err: err}
	}
	name := filepath.Base(reply.File)
	msg.Files = []*discordgo.File{
		{
			Name:        name,
			ContentType: mime.TypeByExtension(filepath.Ext(name)),
			Reader:      f,
		},
	}
	return msg, f, nil
}

func discordEmbed(e *Embed) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       embedColor,
	}
	for _, f := range e.Fields {
		value := f.Value
		if value == "" {
			value = emptyEmbedValue
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: f.Name, Value: value, Inline: true},
		)
	}
	return embed
}

func (d *Discord) sendReply(
	ctx context.Context,
	serverID string,
	channelID string,
	messageID string,
	reply *Reply,
) error {
	msg, f, err := messageSend(serverID, channelID, messageID, reply)
	if err != nil {
		return err
	}
	if f != nil {
		defer func() {
			_ = f.Close()
		}()
	}
	_, err = d.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	return err
}

// discordNameResolver looks up server members' display names, falling
// back to a mention if the lookup fails.
type discordNameResolver struct {
	session DiscordSessionHandler
	logger  *slog.Logger
}

func (r discordNameResolver) DisplayName(ctx context.Context, serverID, userID string) string {
	member, err := r.session.GuildMember(serverID, userID, discordgo.WithContext(ctx))
	if err != nil || member == nil {
		r.logger.DebugContext(
			ctx,
			"unable to get guild member",
			"server_id", serverID,
			columnUserID, userID,
			tint.Err(err),
		)
		return mentionNameResolver{}.DisplayName(ctx, serverID, userID)
	}
	switch {
	case member.Nick != "":
		return member.Nick
	case member.User != nil && member.User.GlobalName != "":
		return member.User.GlobalName
	case member.User != nil && member.User.Username != "":
		return member.User.Username
	default:
		return mentionNameResolver{}.DisplayName(ctx, serverID, userID)
	}
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used
// by the bot, so the session can be mocked.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessage gets a single message by ID
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds, files and
	// a message reference
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildMember gets a member of a guild
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetIntents sets the gateway intents sent in the identify payload
	SetIntents(intents discordgo.Intent)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", data.Content,
		)
	} else {
		d.logger.Info(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
			"content", data.Content,
			"files", len(data.Files),
		)
	}
	return msg, err
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetIntents(intents discordgo.Intent) {
	d.session.Identify.Intents = intents
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

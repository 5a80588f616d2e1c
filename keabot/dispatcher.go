package keabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	commandLeaderboard = "leaderboard"
	commandScore       = "score"
	commandAddImage    = "addimage"
	commandTags        = "tags"
	commandPostImage   = "postimage"
	commandDeleteTag   = "deletetag"
	commandDeleteImage = "deleteimage"
	commandHelp        = "help"

	notImplementedMessage = "Not implemented yet"
)

type eventHandler func(ctx context.Context, event Event) (*Reply, error)

type commandHandler func(ctx context.Context, cmd CommandInvoked) (*Reply, error)

// DispatcherOptions are the dependencies of a Dispatcher. Ledger, Tags,
// Media, Selector and Config are required.
type DispatcherOptions struct {
	Ledger   *Ledger
	Tags     *TagIndex
	Media    *MediaStore
	Selector *Selector
	Fetcher  AttachmentFetcher
	Names    MemberNameResolver
	Metrics  *Metrics
	Logger   *slog.Logger
	Config   *Config
}

// Dispatcher routes inbound events to their handlers, and commands to
// their command handlers.
type Dispatcher struct {
	ledger   *Ledger
	tags     *TagIndex
	media    *MediaStore
	selector *Selector
	fetcher  AttachmentFetcher
	names    MemberNameResolver
	metrics  *Metrics
	logger   *slog.Logger

	discordConfig *DiscordConfig
	mediaConfig   *MediaConfig

	events   map[EventKind]eventHandler
	commands map[string]commandHandler
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	var errs []error
	if opts.Ledger == nil {
		errs = append(errs, errors.New("ledger is required"))
	}
	if opts.Tags == nil {
		errs = append(errs, errors.New("tag index is required"))
	}
	if opts.Media == nil {
		errs = append(errs, errors.New("media store is required"))
	}
	if opts.Selector == nil {
		errs = append(errs, errors.New("selector is required"))
	}
	if opts.Config == nil || opts.Config.Discord == nil || opts.Config.Media == nil {
		errs = append(errs, errors.New("discord and media config are required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		ledger:        opts.Ledger,
		tags:          opts.Tags,
		media:         opts.Media,
		selector:      opts.Selector,
		fetcher:       opts.Fetcher,
		names:         opts.Names,
		metrics:       opts.Metrics,
		logger:        logger.With(loggerNameKey, "dispatcher"),
		discordConfig: opts.Config.Discord,
		mediaConfig:   opts.Config.Media,
	}
	if d.fetcher == nil {
		d.fetcher = newHTTPAttachmentFetcher(opts.Config.HTTPClient, logger)
	}
	if d.names == nil {
		d.names = mentionNameResolver{}
	}

	d.events = map[EventKind]eventHandler{
		EventCommandInvoked:  d.handleCommand,
		EventReactionAdded:   d.handleReactionAdded,
		EventReactionRemoved: d.handleReactionRemoved,
	}
	d.commands = map[string]commandHandler{
		commandLeaderboard: d.leaderboardCommand,
		commandScore:       d.scoreCommand,
		commandAddImage:    d.addImageCommand,
		commandTags:        d.tagsCommand,
		commandPostImage:   d.postImageCommand,
		commandDeleteTag:   notImplementedCommand,
		commandDeleteImage: notImplementedCommand,
		commandHelp:        d.helpCommand,
	}
	return d, nil
}

// Dispatch handles a single event and returns the reply to send, if any.
//
// Rejected input is returned as a reply with the rejection message, and
// a nil error. When a command fails for any other reason, Dispatch logs
// the error and returns it along with a reply carrying the configured
// error message. Panics in handlers are recovered and treated the same way.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) (reply *Reply, err error) {
	start := time.Now()
	kind := event.Kind()
	logger := contextLoggerOr(ctx, d.logger).With(
		"event_id", uuid.NewString(),
		"event_kind", kind,
		"server_id", event.Server(),
	)
	ctx = WithLogger(ctx, logger)

	outcome := outcomeOK
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			outcome = outcomePanic
			reply = d.errorReply(event)
			err = fmt.Errorf("panic handling %s event: %v", kind, rc)
		}
		d.metrics.observeEvent(kind, outcome, time.Since(start))
	}()

	handler, ok := d.events[kind]
	if !ok {
		outcome = outcomeIgnored
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
	}

	reply, err = handler(ctx, event)
	if err == nil {
		if reply.Empty() {
			outcome = outcomeIgnored
		}
		return reply, nil
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		outcome = outcomeRejected
		logger.InfoContext(ctx, "rejected event", "reason", validationErr.Message)
		if kind == EventCommandInvoked {
			return textReply(validationErr.Message), nil
		}
		return nil, nil
	}

	outcome = outcomeError
	logger.ErrorContext(ctx, "error handling event", tint.Err(err))
	return d.errorReply(event), err
}

func (d *Dispatcher) errorReply(event Event) *Reply {
	if event.Kind() != EventCommandInvoked || d.discordConfig.ErrorMessage == "" {
		return nil
	}
	return textReply(d.discordConfig.ErrorMessage)
}

func (d *Dispatcher) handleCommand(ctx context.Context, event Event) (*Reply, error) {
	var cmd CommandInvoked
	switch e := event.(type) {
	case CommandInvoked:
		cmd = e
	case *CommandInvoked:
		cmd = *e
	default:
		return nil, fmt.Errorf("unexpected command event type: %T", event)
	}

	logger := contextLoggerOr(ctx, d.logger)
	name := strings.ToLower(cmd.Command)
	handler, ok := d.commands[name]
	if !ok {
		logger.DebugContext(ctx, "unknown command", "command", cmd.Command)
		return nil, nil
	}

	d.metrics.observeCommand(name)
	logger.InfoContext(ctx, "command invoked", "command", cmd)
	return handler(ctx, cmd)
}

// Commands returns the names of the registered commands, sorted.
func (d *Dispatcher) Commands() []string {
	return []string{
		commandAddImage,
		commandDeleteImage,
		commandDeleteTag,
		commandHelp,
		commandLeaderboard,
		commandPostImage,
		commandScore,
		commandTags,
	}
}

func notImplementedCommand(_ context.Context, _ CommandInvoked) (*Reply, error) {
	return textReply(notImplementedMessage), nil
}

func (d *Dispatcher) helpCommand(_ context.Context, _ CommandInvoked) (*Reply, error) {
	p := d.discordConfig.CommandPrefix
	fields := []EmbedField{
		{Name: p + commandLeaderboard + " [n]", Value: fmt.Sprintf("Top n scores (default %d)", DefaultLeaderboardSize)},
		{Name: p + commandScore + " [user]", Value: "Your score, or another user's"},
		{Name: p + commandAddImage + " <tag...>", Value: "Add the attached images to the given tags"},
		{Name: p + commandTags, Value: "List the tags in this server"},
		{Name: p + commandPostImage + " <tag>", Value: "Post a random image with the tag"},
		{Name: p + commandDeleteTag + " <tag>", Value: notImplementedMessage},
		{Name: p + commandDeleteImage, Value: notImplementedMessage},
	}
	return &Reply{Embed: &Embed{Title: "Commands", Fields: fields}}, nil
}

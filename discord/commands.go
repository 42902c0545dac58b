package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/threadwatch/reddit"
	"github.com/onnwee/threadwatch/watch"
)

// CommandStore is the persistence the command surface mutates.
type CommandStore interface {
	GetGroup(ctx context.Context, id string) (watch.Group, error)
	SetWatchTarget(ctx context.Context, id, threadURL string, channelID int64) (watch.Group, error)
	ResetWatermark(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	SetCredentials(ctx context.Context, c reddit.Credentials) error
}

// Request is one parsed chat command.
type Request struct {
	GuildID  string
	AuthorID string
	// CanManage is set when the author holds Manage Server in the channel.
	CanManage bool
	Args      []string
}

// Commands implements the chat command surface.
type Commands struct {
	Store   CommandStore
	Prefix  string
	OwnerID string
	// Ensure starts the watch loop of a group if none is running.
	Ensure  func(group string) bool
	Timeout time.Duration
}

const usage = "usage: %s setapi <client_id> <client_secret> <user_agent> | setconfig <thread_url> <channel_id> | status | reset | enable | disable"

const (
	replyCredentialsSet = "Reddit API credentials set successfully."
	replyConfigSet      = "Config set successfully."
)

// Parse splits content into command arguments. ok is false when content is
// not addressed to the prefix.
func (c *Commands) Parse(content string) (args []string, ok bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || !strings.EqualFold(fields[0], c.Prefix) {
		return nil, false
	}
	return fields[1:], true
}

// Handle executes req and returns the reply text.
func (c *Commands) Handle(ctx context.Context, req Request) string {
	if len(req.Args) == 0 {
		return fmt.Sprintf(usage, c.Prefix)
	}
	log := slog.Default().With(slog.String("component", "discord_commands"), slog.String("guild", req.GuildID))
	cmd, args := strings.ToLower(req.Args[0]), req.Args[1:]

	if cmd == "setapi" {
		return c.setAPI(ctx, log, req, args)
	}
	if req.GuildID == "" {
		return "This command only works inside a server."
	}
	switch cmd {
	case "status":
		return c.status(ctx, req.GuildID)
	case "setconfig", "reset", "enable", "disable":
		if !req.CanManage && !c.isOwner(req.AuthorID) {
			return "You need the Manage Server permission to do that."
		}
	default:
		return fmt.Sprintf(usage, c.Prefix)
	}

	var err error
	var reply string
	switch cmd {
	case "setconfig":
		reply, err = c.setConfig(ctx, req.GuildID, args)
	case "reset":
		err = c.Store.ResetWatermark(ctx, req.GuildID)
		reply = "Watermark reset; the whole thread will be relayed again."
	case "enable":
		err = c.Store.SetEnabled(ctx, req.GuildID, true)
		reply = "Watching enabled."
		if err == nil && c.Ensure != nil {
			c.Ensure(req.GuildID)
		}
	case "disable":
		err = c.Store.SetEnabled(ctx, req.GuildID, false)
		reply = "Watching disabled."
	}
	if err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			return string(uerr)
		}
		if errors.Is(err, watch.ErrGroupNotFound) {
			return fmt.Sprintf("Not configured. Use %s setconfig <thread_url> <channel_id>.", c.Prefix)
		}
		log.Error("command failed", slog.String("command", cmd), slog.Any("err", err))
		return "Something went wrong, check the bot logs."
	}
	log.Info("command executed", slog.String("command", cmd), slog.String("author", req.AuthorID))
	return reply
}

type usageError string

func (e usageError) Error() string { return string(e) }

func (c *Commands) isOwner(authorID string) bool {
	return c.OwnerID != "" && authorID == c.OwnerID
}

func (c *Commands) setAPI(ctx context.Context, log *slog.Logger, req Request, args []string) string {
	if !c.isOwner(req.AuthorID) {
		return "Only the bot owner can set the Reddit API credentials."
	}
	if len(args) < 3 {
		return fmt.Sprintf("usage: %s setapi <client_id> <client_secret> <user_agent>", c.Prefix)
	}
	creds := reddit.Credentials{
		ClientID:     args[0],
		ClientSecret: args[1],
		UserAgent:    strings.Join(args[2:], " "),
	}
	if err := c.Store.SetCredentials(ctx, creds); err != nil {
		log.Error("store credentials", slog.Any("err", err))
		return "Something went wrong, check the bot logs."
	}
	log.Info("reddit credentials updated", slog.String("author", req.AuthorID))
	return replyCredentialsSet
}

func (c *Commands) setConfig(ctx context.Context, guildID string, args []string) (string, error) {
	if len(args) != 2 {
		return "", usageError(fmt.Sprintf("usage: %s setconfig <thread_url> <channel_id>", c.Prefix))
	}
	if _, err := reddit.ParseThreadID(args[0]); err != nil {
		return "", usageError("That does not look like a Reddit thread link.")
	}
	channelID, err := parseChannel(args[1])
	if err != nil {
		return "", usageError("The channel must be a channel mention or a positive numeric id.")
	}
	if _, err := c.Store.SetWatchTarget(ctx, guildID, args[0], channelID); err != nil {
		return "", err
	}
	if c.Ensure != nil {
		c.Ensure(guildID)
	}
	return replyConfigSet, nil
}

func (c *Commands) status(ctx context.Context, guildID string) string {
	g, err := c.Store.GetGroup(ctx, guildID)
	if err != nil {
		slog.Error("status lookup failed", slog.String("component", "discord_commands"), slog.Any("err", err))
		return "Something went wrong, check the bot logs."
	}
	if !g.Configured() {
		return fmt.Sprintf("Not configured. Use %s setconfig <thread_url> <channel_id>.", c.Prefix)
	}
	since := "never"
	if g.Watermark > 0 {
		since = time.Unix(g.Watermark, 0).UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Thread: %s\nChannel: <#%d>\nWatermark: %d (%s)\nEnabled: %t",
		g.ThreadURL, g.ChannelID, g.Watermark, since, g.Enabled)
}

// parseChannel accepts a raw id or a <#id> mention.
func parseChannel(s string) (int64, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<#"), ">")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("channel id %d is not positive", id)
	}
	return id, nil
}

// MessageCreate is the discordgo handler for the command surface.
func (c *Commands) MessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	args, ok := c.Parse(m.Content)
	if !ok {
		return
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req := Request{GuildID: m.GuildID, AuthorID: m.Author.ID, Args: args}
	if m.GuildID != "" {
		perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID, discordgo.WithContext(ctx))
		if err == nil {
			req.CanManage = perms&discordgo.PermissionManageGuild != 0
		}
	}
	reply := c.Handle(ctx, req)

	// credentials posted in a shared channel should not stay there
	if m.GuildID != "" && len(args) > 0 && strings.EqualFold(args[0], "setapi") {
		if err := s.ChannelMessageDelete(m.ChannelID, m.ID, discordgo.WithContext(ctx)); err != nil {
			slog.Warn("could not delete setapi message", slog.String("component", "discord_commands"), slog.Any("err", err))
		}
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, reply, discordgo.WithContext(ctx)); err != nil {
		slog.Error("command reply failed", slog.String("component", "discord_commands"), slog.Any("err", err))
	}
}

// NewSession creates a bot session with the intents the command surface
// needs. The session is not connected; call Open after registering handlers.
func NewSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages | discordgo.IntentMessageContent
	return dg, nil
}

// Register adds the command handler to s.
func (c *Commands) Register(s *discordgo.Session) func() {
	return s.AddHandler(c.MessageCreate)
}

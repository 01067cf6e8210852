// Package commands implements the Discord slash command handlers for the
// note taker.
package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/notetaker/internal/analysis"
	"github.com/MrWong99/notetaker/internal/app"
	"github.com/MrWong99/notetaker/internal/callrecord"
	"github.com/MrWong99/notetaker/internal/discord"
)

// StopButtonID is the custom_id of the button attached to the start reply.
const StopButtonID = "notes_stop"

const (
	startTimeout       = 30 * time.Second
	statusTimeout      = 5 * time.Second
	defaultStopTimeout = 4 * time.Minute

	// Discord embed limits.
	maxDescription = 4096
	maxFieldValue  = 1024
)

// Calls is the subset of [app.App] the commands drive.
type Calls interface {
	Start(ctx context.Context, channelID, startedBy string) (app.CallInfo, error)
	Stop(ctx context.Context) error
	Status() (app.CallInfo, bool)
	Latest(ctx context.Context, callID string) (callrecord.Record, error)
}

// NotesCommands holds the dependencies for the /notes slash commands.
type NotesCommands struct {
	calls       Calls
	perms       *discord.PermissionChecker
	guildID     string
	stopTimeout time.Duration
	now         func() time.Time
}

// NewNotesCommands creates a NotesCommands and registers its handlers with
// the bot's router. stopTimeout bounds /notes stop, which waits for the
// call to be analysed; zero uses four minutes.
func NewNotesCommands(bot *discord.Bot, calls Calls, stopTimeout time.Duration) *NotesCommands {
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	nc := &NotesCommands{
		calls:       calls,
		perms:       bot.Permissions(),
		guildID:     bot.GuildID(),
		stopTimeout: stopTimeout,
		now:         time.Now,
	}
	nc.Register(bot.Router())
	return nc
}

// Register registers the /notes command group and the stop button with the
// router.
func (nc *NotesCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("notes", nc.Definition(), func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/notes start`, `/notes stop` or `/notes status`.")
	})
	router.RegisterHandler("notes/start", nc.handleStart)
	router.RegisterHandler("notes/stop", nc.handleStop)
	router.RegisterHandler("notes/status", nc.handleStatus)
	router.RegisterComponent(StopButtonID, nc.handleStop)
}

// Definition returns the ApplicationCommand definition for Discord.
func (nc *NotesCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "notes",
		Description: "Transcribe and summarise a voice call",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start taking notes in your current voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop taking notes and post the summary",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the active call or the last notes for your channel",
			},
		},
	}
}

func (nc *NotesCommands) handleStart(s *discordgo.Session, i *discordgo.InteractionCreate) {
	nc.start(s, i, nc.voiceChannel(s, i))
}

func (nc *NotesCommands) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	nc.stop(s, i)
}

func (nc *NotesCommands) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	nc.status(s, i, nc.voiceChannel(s, i))
}

// voiceChannel returns the voice channel the interaction author is in, or
// "" when they are not in one.
func (nc *NotesCommands) voiceChannel(s *discordgo.Session, i *discordgo.InteractionCreate) string {
	vs, err := s.State.VoiceState(nc.guildID, discord.UserID(i))
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

func (nc *NotesCommands) start(r discord.Responder, i *discordgo.InteractionCreate, channelID string) {
	if !nc.perms.Allowed(i) {
		discord.RespondEphemeral(r, i, "You need the note taker role to start taking notes.")
		return
	}
	if channelID == "" {
		discord.RespondEphemeral(r, i, "You must be in a voice channel to start taking notes.")
		return
	}
	if info, ok := nc.calls.Status(); ok {
		discord.RespondEphemeral(r, i, fmt.Sprintf("Already taking notes in <#%s>.", info.ChannelID))
		return
	}

	// Joining the voice channel may take a moment.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	info, err := nc.calls.Start(ctx, channelID, discord.UserID(i))
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to start taking notes: %v", err))
		return
	}
	discord.FollowUp(r, i,
		fmt.Sprintf("Taking notes in <#%s>. The call ends when everyone leaves or on `/notes stop`.", info.ChannelID),
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Stop",
				Style:    discordgo.DangerButton,
				CustomID: StopButtonID,
			},
		}},
	)
}

func (nc *NotesCommands) stop(r discord.Responder, i *discordgo.InteractionCreate) {
	if !nc.perms.Allowed(i) {
		discord.RespondEphemeral(r, i, "You need the note taker role to stop taking notes.")
		return
	}
	info, ok := nc.calls.Status()
	if !ok {
		discord.RespondEphemeral(r, i, "No active call to stop.")
		return
	}

	// Stopping waits for the transcript to be analysed.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), nc.stopTimeout)
	defer cancel()

	if err := nc.calls.Stop(ctx); err != nil {
		if errors.Is(err, app.ErrNoCall) {
			discord.FollowUp(r, i, "The call already ended.")
			return
		}
		discord.FollowUp(r, i, fmt.Sprintf("Failed to stop taking notes: %v", err))
		return
	}

	duration := nc.now().Sub(info.StartedAt).Truncate(time.Second)
	rec, err := nc.calls.Latest(ctx, info.CallID)
	if err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Stopped taking notes after %s. No stored notes are available.", duration))
		return
	}
	discord.FollowUpEmbed(r, i, recordEmbed(rec))
}

func (nc *NotesCommands) status(r discord.Responder, i *discordgo.InteractionCreate, channelID string) {
	if info, ok := nc.calls.Status(); ok {
		discord.RespondEphemeral(r, i, fmt.Sprintf(
			"Taking notes in <#%s>.\n**Call ID:** `%s`\n**Started by:** <@%s>\n**Running for:** %s",
			info.ChannelID,
			info.CallID,
			info.StartedBy,
			nc.now().Sub(info.StartedAt).Truncate(time.Second),
		))
		return
	}
	if channelID == "" {
		discord.RespondEphemeral(r, i, "No active call. Join a voice channel to see its last notes.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()

	rec, err := nc.calls.Latest(ctx, channelID)
	switch {
	case errors.Is(err, callrecord.ErrNotFound):
		discord.RespondEphemeral(r, i, "No notes have been taken in this channel yet.")
	case err != nil:
		discord.RespondError(r, i, fmt.Errorf("load last notes: %w", err))
	default:
		discord.RespondEmbed(r, i, recordEmbed(rec))
	}
}

// recordEmbed renders a call record and its analysis.
func recordEmbed(rec callrecord.Record) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     "Call notes",
		Timestamp: rec.StartedAt().UTC().Format(time.RFC3339),
	}
	if rec.Status != callrecord.StatusEnded {
		embed.Description = "This call is still in progress."
		return embed
	}
	embed.Footer = &discordgo.MessageEmbedFooter{
		Text: fmt.Sprintf("Duration %s", (time.Duration(rec.DurationMs) * time.Millisecond).Truncate(time.Second)),
	}

	res, err := analysis.Parse(string(rec.Analysis))
	if err != nil || res.IsEmpty() {
		embed.Description = "No notes could be extracted from this call."
		return embed
	}

	embed.Description = truncate(res.Summary, maxDescription)
	addField(embed, "Purpose", res.Purpose)
	addField(embed, "Key points", bullets(res.KeyPoints))
	addField(embed, "Next steps", bullets(res.NextSteps))

	var tasks []string
	for user, list := range res.UsersTasks {
		tasks = append(tasks, fmt.Sprintf("**%s**: %s", user, strings.Join(list, "; ")))
	}
	slices.Sort(tasks)
	addField(embed, "Tasks", strings.Join(tasks, "\n"))
	return embed
}

func addField(embed *discordgo.MessageEmbed, name, value string) {
	if value == "" {
		return
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name:  name,
		Value: truncate(value, maxFieldValue),
	})
}

func bullets(lines analysis.Lines) string {
	if len(lines) == 0 {
		return ""
	}
	return "- " + strings.Join(lines, "\n- ")
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

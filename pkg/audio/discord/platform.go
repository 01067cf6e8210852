// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It decodes
// Discord's Opus voice packets into per-user PCM [audio.AudioFrame] streams.
//
// The platform requires an active *discordgo.Session (owned by the bot layer)
// and a guild ID. Each call to [Platform.Connect] joins the specified voice
// channel self-muted and returns a listen-only [Connection].
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/notetaker/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using a discordgo voice connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	log     *slog.Logger
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string, log *slog.Logger) *Platform {
	if log == nil {
		log = slog.Default()
	}
	return &Platform{
		session: session,
		guildID: guildID,
		log:     log,
	}
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The note taker never transmits, so it joins self-muted
// (mute=true) but not deafened (deaf=false) so it still receives audio.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConnection(vc, p.session, p.guildID, p.log), nil
}

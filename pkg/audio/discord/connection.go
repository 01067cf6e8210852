package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/notetaker/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const inputChannelBuffer = 64

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// receive-only [audio.Connection] interface. Incoming Opus packets are routed
// by SSRC to the speaking user's PCM input stream; the SSRC to user mapping is
// learned from Discord's speaking updates.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string
	log     *slog.Logger

	inputsMu sync.RWMutex
	inputs   map[string]chan audio.AudioFrame // keyed by user ID
	ssrcUser map[uint32]string

	changeCb func(audio.Event)
	changeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the receive loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string, log *slog.Logger) *Connection {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		log:          log.With("channel_id", vc.ChannelID),
		inputs:       make(map[string]chan audio.AudioFrame),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}

	vc.AddHandler(c.handleSpeakingUpdate)
	c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)

	go c.recvLoop()
	return c
}

// Participants returns the non-bot users currently in this voice channel,
// read from the gateway state cache.
func (c *Connection) Participants() []audio.Participant {
	if c.session == nil || c.session.State == nil {
		return nil
	}
	guild, err := c.session.State.Guild(c.guildID)
	if err != nil {
		return nil
	}

	self := c.selfID()
	var out []audio.Participant
	for _, vs := range guild.VoiceStates {
		if vs == nil || vs.ChannelID != c.vc.ChannelID || vs.UserID == self {
			continue
		}
		p := audio.Participant{UserID: vs.UserID}
		if vs.Member != nil && vs.Member.User != nil {
			if vs.Member.User.Bot {
				continue
			}
			p.Username = vs.Member.User.Username
		}
		out = append(out, p)
	}
	return out
}

// InputStream returns the PCM stream for participantID, creating it if it
// does not exist yet. After Disconnect it returns a closed channel.
func (c *Connection) InputStream(participantID string) <-chan audio.AudioFrame {
	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()

	select {
	case <-c.done:
		ch := make(chan audio.AudioFrame)
		close(ch)
		return ch
	default:
	}

	ch, ok := c.inputs[participantID]
	if !ok {
		ch = make(chan audio.AudioFrame, inputChannelBuffer)
		c.inputs[participantID] = ch
	}
	return ch
}

// OnParticipantChange registers cb as the callback for participant join/leave events.
// Only one callback may be registered; subsequent calls replace the previous one.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	c.changeCb = cb
}

// Disconnect leaves the voice channel and closes every input stream. It is
// safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}

		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		c.inputsMu.Lock()
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
		}
		c.inputsMu.Unlock()
	})
	return err
}

// recvLoop reads Opus packets from the voice connection, decodes them with a
// per-SSRC decoder, and delivers frames to the owning user's input stream.
// Packets from SSRCs that have not been mapped to a user yet are dropped.
func (c *Connection) recvLoop() {
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			c.inputsMu.RLock()
			userID, known := c.ssrcUser[pkt.SSRC]
			c.inputsMu.RUnlock()
			if !known {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					c.log.Error("discord: failed to create opus decoder", "user_id", userID, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				c.log.Debug("discord: opus decode error", "user_id", userID, "error", err)
				continue
			}

			c.deliver(userID, audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			})
		}
	}
}

// deliver hands frame to userID's stream without blocking. Sending under the
// read lock keeps it ordered against closeInput.
func (c *Connection) deliver(userID string, frame audio.AudioFrame) {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	ch, ok := c.inputs[userID]
	if !ok {
		return
	}
	select {
	case ch <- frame:
	default:
		// Consumer is behind; drop rather than stall every other speaker.
	}
}

// closeInput closes and forgets userID's stream, if any.
func (c *Connection) closeInput(userID string) {
	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()
	if ch, ok := c.inputs[userID]; ok {
		close(ch)
		delete(c.inputs, userID)
	}
	for ssrc, uid := range c.ssrcUser {
		if uid == userID {
			delete(c.ssrcUser, ssrc)
		}
	}
}

// handleSpeakingUpdate records which user owns an SSRC.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.inputsMu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.inputsMu.Unlock()
}

// handleVoiceStateUpdate turns Discord voice state changes for this channel
// into join and leave events. The bot's own state changes are ignored.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != c.guildID || vsu.UserID == c.selfID() {
		return
	}

	channelID := c.vc.ChannelID
	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		if vsu.Member.User.Bot {
			return
		}
		username = vsu.Member.User.Username
	}

	wasHere := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID
	isHere := vsu.ChannelID == channelID

	switch {
	case wasHere && !isHere:
		c.emitEvent(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
		c.closeInput(vsu.UserID)
	case isHere && !wasHere:
		c.emitEvent(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

// emitEvent invokes the registered callback synchronously so events keep the
// order in which the gateway delivered them.
func (c *Connection) emitEvent(ev audio.Event) {
	c.changeMu.Lock()
	cb := c.changeCb
	c.changeMu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (c *Connection) selfID() string {
	if c.session == nil || c.session.State == nil || c.session.State.User == nil {
		return ""
	}
	return c.session.State.User.ID
}

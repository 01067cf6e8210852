package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestPermissionChecker_Allowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		roleID string
		inter  *discordgo.InteractionCreate
		want   bool
	}{
		{
			name:   "user with role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456", "role-123", "role-789"},
					},
				},
			},
			want: true,
		},
		{
			name:   "user without role",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456", "role-789"},
					},
				},
			},
			want: false,
		},
		{
			name:   "empty role allows all members",
			roleID: "",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{"role-456"},
					},
				},
			},
			want: true,
		},
		{
			name:   "nil Member returns false",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{},
			},
			want: false,
		},
		{
			name:   "nil Member with empty role returns false",
			roleID: "",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{},
			},
			want: false,
		},
		{
			name:   "user with empty roles",
			roleID: "role-123",
			inter: &discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					Member: &discordgo.Member{
						Roles: []string{},
					},
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pc := NewPermissionChecker(tt.roleID)
			got := pc.Allowed(tt.inter)
			if got != tt.want {
				t.Errorf("Allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		inter *discordgo.Interaction
		want  string
	}{
		{
			name:  "guild member",
			inter: &discordgo.Interaction{Member: &discordgo.Member{User: &discordgo.User{ID: "u1"}}},
			want:  "u1",
		},
		{
			name:  "direct message user",
			inter: &discordgo.Interaction{User: &discordgo.User{ID: "u2"}},
			want:  "u2",
		},
		{
			name:  "nobody",
			inter: &discordgo.Interaction{},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := UserID(&discordgo.InteractionCreate{Interaction: tt.inter}); got != tt.want {
				t.Errorf("UserID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewCommandRouter(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter(nil)
	if r == nil {
		t.Fatal("NewCommandRouter() returned nil")
	}
	if len(r.commands) != 0 {
		t.Errorf("expected empty commands map, got %d entries", len(r.commands))
	}
	if len(r.components) != 0 {
		t.Errorf("expected empty components map, got %d entries", len(r.components))
	}
	if len(r.componentPrefix) != 0 {
		t.Errorf("expected empty component prefix map, got %d entries", len(r.componentPrefix))
	}
}

func TestCommandRouter_ApplicationCommands(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter(nil)

	cmd := &discordgo.ApplicationCommand{Name: "test"}
	r.RegisterCommand("test", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %d", len(cmds))
	}
	if cmds[0].Name != "test" {
		t.Errorf("expected command name 'test', got %q", cmds[0].Name)
	}
}

func TestCommandRouter_ApplicationCommands_Dedup(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter(nil)

	cmd := &discordgo.ApplicationCommand{Name: "notes"}
	r.RegisterCommand("notes/start", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {})
	r.RegisterCommand("notes/stop", cmd, func(s *discordgo.Session, i *discordgo.InteractionCreate) {})

	cmds := r.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 deduplicated command, got %d", len(cmds))
	}
}

func TestCommandRouter_RegisterHandler(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter(nil)
	called := false
	r.RegisterHandler("test", func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		called = true
	})

	// Handler without command definition should not appear in ApplicationCommands.
	cmds := r.ApplicationCommands()
	if len(cmds) != 0 {
		t.Errorf("expected 0 commands, got %d", len(cmds))
	}

	handler, ok := r.lookupCommand("test")
	if !ok {
		t.Fatal("expected handler to be registered")
	}
	handler(nil, nil)
	if !called {
		t.Error("handler was not called")
	}
}

func TestCommandRouter_LookupComponent(t *testing.T) {
	t.Parallel()

	r := NewCommandRouter(nil)
	var got string
	r.RegisterComponent("exact", func(*discordgo.Session, *discordgo.InteractionCreate) { got = "exact" })
	r.RegisterComponentPrefix("notes_stop:", func(*discordgo.Session, *discordgo.InteractionCreate) { got = "prefix" })

	tests := []struct {
		customID string
		want     string
		found    bool
	}{
		{customID: "exact", want: "exact", found: true},
		{customID: "notes_stop:123", want: "prefix", found: true},
		{customID: "other", found: false},
	}
	for _, tt := range tests {
		got = ""
		h, ok := r.lookupComponent(tt.customID)
		if ok != tt.found {
			t.Fatalf("lookupComponent(%q) found = %v, want %v", tt.customID, ok, tt.found)
		}
		if !ok {
			continue
		}
		h(nil, nil)
		if got != tt.want {
			t.Errorf("lookupComponent(%q) dispatched to %q, want %q", tt.customID, got, tt.want)
		}
	}
}

func TestInteractionKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data discordgo.ApplicationCommandInteractionData
		want string
	}{
		{
			name: "top-level command",
			data: discordgo.ApplicationCommandInteractionData{Name: "notes"},
			want: "notes",
		},
		{
			name: "subcommand",
			data: discordgo.ApplicationCommandInteractionData{
				Name: "notes",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "start", Type: discordgo.ApplicationCommandOptionSubCommand},
				},
			},
			want: "notes/start",
		},
		{
			name: "plain option is not a subcommand",
			data: discordgo.ApplicationCommandInteractionData{
				Name: "notes",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "channel", Type: discordgo.ApplicationCommandOptionChannel},
				},
			},
			want: "notes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := interactionKey(tt.data); got != tt.want {
				t.Errorf("interactionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

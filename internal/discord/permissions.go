package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user has the operator role
// before executing privileged slash commands.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker creates a PermissionChecker for the given role ID.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// Allowed checks whether the interaction author has the configured role.
// If roleID is empty, every guild member is allowed (useful for development).
// Returns false if the interaction has no Member (e.g., DM channel interactions).
func (p *PermissionChecker) Allowed(i *discordgo.InteractionCreate) bool {
	if i.Member == nil {
		return false
	}
	if p.roleID == "" {
		return true
	}
	return slices.Contains(i.Member.Roles, p.roleID)
}

// UserID returns the ID of the user who triggered the interaction, from
// the guild member if present and the DM user otherwise.
func UserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

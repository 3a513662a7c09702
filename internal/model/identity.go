package model

// Role is a participant's standing on a document, as asserted by the
// identity provider.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Identity is the authenticated caller. It is supplied by an external
// identity provider and trusted as-is.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarColor string `json:"avatarColor,omitempty"`
	Role        Role   `json:"role,omitempty"`
}

// CanModerate reports whether the identity may act on other people's comments.
func (i Identity) CanModerate() bool {
	return i.Role == RoleOwner || i.Role == RoleAdmin
}

// Name returns the display name, falling back to the user id.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.UserID
}

// Color returns the avatar color, deriving one from the user id when unset.
func (i Identity) Color() string {
	if i.AvatarColor != "" {
		return i.AvatarColor
	}
	return AvatarColorFor(i.UserID)
}

package model

const GuestIdentity = "guest"

// User is the authenticated identity attached to a connection before it
// reaches a session.
type User struct {
	ID        uint64 `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	AvatarURL string `json:"avatar"`
	Identity  string `json:"identity"`
}

func (u *User) IsGuest() bool { return u.Identity == GuestIdentity }

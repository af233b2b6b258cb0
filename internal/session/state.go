package session

import "github.com/aussiebroadwan/wardgate/pkg/portalsdk"

// Phase is the position of the manager in its state machine.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseChecking
	PhaseAuthenticated
	PhaseUnauthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "UNINITIALIZED"
	case PhaseChecking:
		return "CHECKING"
	case PhaseAuthenticated:
		return "AUTHENTICATED"
	case PhaseUnauthenticated:
		return "UNAUTHENTICATED"
	default:
		return "UNKNOWN"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Session is the verified identity the tab currently holds.
type Session struct {
	UserID string         `json:"userId"`
	Name   string         `json:"name"`
	Role   portalsdk.Role `json:"role"`
	Image  string         `json:"image,omitempty"`
	Email  string         `json:"email,omitempty"`
	Mobile string         `json:"mobile,omitempty"`
}

// State is an immutable snapshot of the manager. IsAuthenticated is true
// exactly when Session is non-nil.
type State struct {
	Phase           Phase    `json:"phase" swaggertype:"string" enums:"UNINITIALIZED,CHECKING,AUTHENTICATED,UNAUTHENTICATED"`
	Session         *Session `json:"session"`
	IsInitialized   bool     `json:"isInitialized"`
	IsAuthenticated bool     `json:"isAuthenticated"`
	IsLoading       bool     `json:"isLoading"`
}

func sessionFromUser(u portalsdk.User) (*Session, error) {
	if u.ID == "" || !u.Role.Valid() {
		return nil, ErrInvalidIdentity
	}
	return &Session{UserID: u.ID, Name: u.Name, Role: u.Role, Image: u.Image}, nil
}

func sessionFromIdentity(id *portalsdk.Identity) (*Session, error) {
	if id == nil || id.ID == "" || !id.Role.Valid() {
		return nil, ErrInvalidIdentity
	}
	return &Session{
		UserID: id.ID,
		Name:   id.Name,
		Role:   id.Role,
		Image:  id.Image,
		Email:  id.Email,
		Mobile: id.Mobile,
	}, nil
}

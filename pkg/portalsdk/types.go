package portalsdk

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Roles
// ============================================================================

// Role is the closed set of portal roles the backend assigns to a user.
type Role string

const (
	RolePatient       Role = "patient"
	RoleDoctor        Role = "doctor"
	RoleStaff         Role = "staff"
	RoleHospitalAdmin Role = "hospital-admin"
	RoleLab           Role = "lab"
	RolePharmacy      Role = "pharmacy"
	RolePharmaOwner   Role = "pharma-owner"
	RoleAdmin         Role = "admin"
	RoleSuperAdmin    Role = "super-admin"
	RoleHelpdesk      Role = "helpdesk"
	RoleDischarge     Role = "discharge"
)

// Roles lists every known role.
var Roles = []Role{
	RolePatient, RoleDoctor, RoleStaff, RoleHospitalAdmin, RoleLab, RolePharmacy,
	RolePharmaOwner, RoleAdmin, RoleSuperAdmin, RoleHelpdesk, RoleDischarge,
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

// UnmarshalJSON rejects roles outside the closed set so that an identity with
// an unknown role never becomes a session.
func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if !Role(s).Valid() {
		return fmt.Errorf("unknown role %q", s)
	}
	*r = Role(s)
	return nil
}

// ============================================================================
// Auth
// ============================================================================

// TokenPair holds the opaque bearer credentials issued by the backend.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// User is the identity returned alongside a successful login.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
	Image string `json:"image,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LoginResponse is returned by POST /auth/login.
type LoginResponse struct {
	Tokens TokenPair `json:"tokens"`
	User   User      `json:"user"`
}

// RefreshRequest is the body of POST /auth/refresh and POST /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse is returned by POST /auth/refresh.
type RefreshResponse struct {
	Tokens TokenPair `json:"tokens"`
}

// Identity is returned by GET /auth/me.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Email  string `json:"email,omitempty"`
	Mobile string `json:"mobile,omitempty"`
	Image  string `json:"image,omitempty"`
}

// ============================================================================
// Role-scoped resources
// ============================================================================

// DashboardStats is the opaque counters payload each section dashboard renders.
type DashboardStats map[string]json.RawMessage

// Notification is a single entry of GET /notifications.
type Notification struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Read      bool            `json:"read"`
	CreatedAt string          `json:"createdAt,omitempty"`
	Data      json.RawMessage `json:"data,omitempty" swaggertype:"object"`
}

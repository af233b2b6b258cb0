// Package guard decides, per portal section, whether the current session may
// see the section, must wait for the first session check, or belongs
// elsewhere.
package guard

import (
	"strings"

	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
)

// DefaultLoginPath is where unauthenticated visitors are sent.
const DefaultLoginPath = "/login"

// Kind is the outcome of a decision.
type Kind int

const (
	// Wait means the first session check has not settled; show a placeholder.
	Wait Kind = iota
	// Render means the section may be shown.
	Render
	// Redirect means navigate to Action.Path instead.
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Wait:
		return "wait"
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Action is what a guard asks the shell to do.
type Action struct {
	Kind Kind
	Path string
}

// Section is a role-gated area of the portal mounted under Prefix.
type Section struct {
	Name    string
	Prefix  string
	Allowed []portalsdk.Role
}

// Allows reports whether role may see the section.
func (s Section) Allows(role portalsdk.Role) bool {
	for _, r := range s.Allowed {
		if r == role {
			return true
		}
	}
	return false
}

// Contains reports whether path lies inside the section.
func (s Section) Contains(path string) bool {
	if s.Prefix == "" || s.Prefix == "/" {
		return false
	}
	return path == s.Prefix || strings.HasPrefix(path, strings.TrimSuffix(s.Prefix, "/")+"/")
}

// The portal's sections, one per role family.
var (
	Patient       = Section{Name: "patient", Prefix: "/patient", Allowed: []portalsdk.Role{portalsdk.RolePatient}}
	Staff         = Section{Name: "staff", Prefix: "/staff", Allowed: []portalsdk.Role{portalsdk.RoleStaff}}
	Doctor        = Section{Name: "doctor", Prefix: "/doctor", Allowed: []portalsdk.Role{portalsdk.RoleDoctor}}
	Pharmacy      = Section{Name: "pharmacy", Prefix: "/pharmacy", Allowed: []portalsdk.Role{portalsdk.RolePharmacy, portalsdk.RolePharmaOwner}}
	HospitalAdmin = Section{Name: "hospital-admin", Prefix: "/hospital-admin", Allowed: []portalsdk.Role{portalsdk.RoleHospitalAdmin}}
	Discharge     = Section{Name: "discharge", Prefix: "/discharge", Allowed: []portalsdk.Role{portalsdk.RoleDischarge}}
	Admin         = Section{Name: "admin", Prefix: "/admin", Allowed: []portalsdk.Role{portalsdk.RoleAdmin, portalsdk.RoleSuperAdmin}}
	Helpdesk      = Section{Name: "helpdesk", Prefix: "/helpdesk", Allowed: []portalsdk.Role{portalsdk.RoleHelpdesk}}
	Lab           = Section{Name: "lab", Prefix: "/lab", Allowed: []portalsdk.Role{portalsdk.RoleLab}}
)

// Sections lists every guarded section.
var Sections = []Section{Patient, Staff, Doctor, Pharmacy, HospitalAdmin, Discharge, Admin, Helpdesk, Lab}

// RouteTable maps each role to its landing path.
type RouteTable map[portalsdk.Role]string

// DefaultRoutes is the portal's role to landing path table.
func DefaultRoutes() RouteTable {
	return RouteTable{
		portalsdk.RolePatient:       "/patient",
		portalsdk.RoleDoctor:        "/doctor",
		portalsdk.RoleStaff:         "/staff",
		portalsdk.RoleHospitalAdmin: "/hospital-admin",
		portalsdk.RoleDischarge:     "/discharge",
		portalsdk.RoleLab:           "/lab/dashboard",
		portalsdk.RolePharmacy:      "/pharmacy/dashboard",
		portalsdk.RolePharmaOwner:   "/pharmacy/dashboard",
		portalsdk.RoleAdmin:         "/admin",
		portalsdk.RoleSuperAdmin:    "/admin",
		portalsdk.RoleHelpdesk:      "/helpdesk",
	}
}

// Home returns the landing path for role and whether one is mapped.
func (t RouteTable) Home(role portalsdk.Role) (string, bool) {
	path, ok := t[role]
	return path, ok && path != ""
}

// Input is the part of the session state a decision depends on.
type Input struct {
	Initialized   bool
	Authenticated bool
	Role          portalsdk.Role
}

// Decide is pure: the same input always yields the same action, and a
// redirect never points back into the section being guarded.
func Decide(in Input, section Section, routes RouteTable, loginPath string) Action {
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}

	switch {
	case !in.Initialized:
		return Action{Kind: Wait}
	case !in.Authenticated:
		return Action{Kind: Redirect, Path: loginPath}
	case section.Allows(in.Role):
		return Action{Kind: Render}
	}

	home, ok := routes.Home(in.Role)
	if !ok || section.Contains(home) {
		return Action{Kind: Redirect, Path: loginPath}
	}
	return Action{Kind: Redirect, Path: home}
}

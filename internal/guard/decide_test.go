package guard

import (
	"testing"

	"github.com/aussiebroadwan/wardgate/pkg/portalsdk"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	routes := DefaultRoutes()
	authed := func(role portalsdk.Role) Input {
		return Input{Initialized: true, Authenticated: true, Role: role}
	}

	tests := []struct {
		name    string
		in      Input
		section Section
		want    Action
	}{
		{"waits until initialized", Input{}, Patient, Action{Kind: Wait}},
		{"waits even with a stale role", Input{Authenticated: true, Role: portalsdk.RoleDoctor}, Doctor, Action{Kind: Wait}},
		{"anonymous goes to login", Input{Initialized: true}, Doctor, Action{Kind: Redirect, Path: "/login"}},
		{"matching role renders", authed(portalsdk.RolePatient), Patient, Action{Kind: Render}},
		{"doctor in patient section goes home", authed(portalsdk.RoleDoctor), Patient, Action{Kind: Redirect, Path: "/doctor"}},
		{"lab lands on its dashboard", authed(portalsdk.RoleLab), Staff, Action{Kind: Redirect, Path: "/lab/dashboard"}},
		{"pharma owner shares the pharmacy section", authed(portalsdk.RolePharmaOwner), Pharmacy, Action{Kind: Render}},
		{"super admin shares the admin section", authed(portalsdk.RoleSuperAdmin), Admin, Action{Kind: Render}},
		{"patient in admin section", authed(portalsdk.RolePatient), Admin, Action{Kind: Redirect, Path: "/patient"}},
		{"unknown role goes to login", authed(portalsdk.Role("janitor")), Helpdesk, Action{Kind: Redirect, Path: "/login"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Decide(tt.in, tt.section, routes, ""))
		})
	}
}

func TestDecideBreaksRedirectLoops(t *testing.T) {
	t.Parallel()

	routes := RouteTable{portalsdk.RoleDoctor: "/patient/overview"}
	got := Decide(Input{Initialized: true, Authenticated: true, Role: portalsdk.RoleDoctor}, Patient, routes, "/signin")
	require.Equal(t, Action{Kind: Redirect, Path: "/signin"}, got)
}

func TestDecideNeverRedirectsIntoGuardedSection(t *testing.T) {
	t.Parallel()

	routes := DefaultRoutes()
	for _, section := range Sections {
		for _, role := range portalsdk.Roles {
			in := Input{Initialized: true, Authenticated: true, Role: role}
			got := Decide(in, section, routes, "")

			if section.Allows(role) {
				require.Equal(t, Render, got.Kind, "%s in %s", role, section.Name)
				continue
			}
			require.Equal(t, Redirect, got.Kind)
			require.False(t, section.Contains(got.Path), "%s in %s redirected to %s", role, section.Name, got.Path)
		}
	}
}

func TestEveryRoleHasAHome(t *testing.T) {
	t.Parallel()

	routes := DefaultRoutes()
	for _, role := range portalsdk.Roles {
		home, ok := routes.Home(role)
		require.True(t, ok, role)

		// Landing there must render for that role.
		var owner *Section
		for i := range Sections {
			if Sections[i].Contains(home) {
				owner = &Sections[i]
			}
		}
		require.NotNil(t, owner, "no section serves %s", home)
		require.True(t, owner.Allows(role), "%s cannot see its own home %s", role, home)
	}
}

func TestSectionContains(t *testing.T) {
	t.Parallel()

	require.True(t, Pharmacy.Contains("/pharmacy"))
	require.True(t, Pharmacy.Contains("/pharmacy/dashboard"))
	require.False(t, Pharmacy.Contains("/pharmacyx"))
	require.False(t, Section{Prefix: "/"}.Contains("/anything"))
}

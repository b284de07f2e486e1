/**
 * @description
 * Identity models for staff and customers of the waitlist application. Users are
 * provisioned elsewhere; this service only reads them and tracks per-session state.
 */
package domain

import "time"

// Role defines what a user is allowed to do across agencies and locations.
type Role string

const (
	RoleAgencyAdmin     Role = "agency_admin"
	RoleLocationManager Role = "location_manager"
	RoleStaff           Role = "staff"
	RoleCustomer        Role = "customer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAgencyAdmin, RoleLocationManager, RoleStaff, RoleCustomer:
		return true
	}
	return false
}

// Action names checked by the permission model.
const (
	ActionAgencyManagement   = "agency_management"
	ActionLocationManagement = "location_management"
	ActionStaffManagement    = "staff_management"
	ActionQueueManagement    = "queue_management"
	ActionCustomerService    = "customer_service"
	ActionReports            = "reports"
	ActionSecuritySettings   = "security_settings"
)

// User represents an authenticated identity. PinVerified is session scoped and is
// reset on every login.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Role        Role       `json:"role"`
	DisplayName string     `json:"display_name"`
	LocationIDs []string   `json:"location_ids"`
	PinRequired bool       `json:"pin_required"`
	PinVerified bool       `json:"pin_verified"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// CanAccessLocation reports whether the user may operate on the given location.
// Agency admins are not restricted to a location list.
func (u *User) CanAccessLocation(locationID string) bool {
	if u.Role == RoleAgencyAdmin {
		return true
	}
	for _, id := range u.LocationIDs {
		if id == locationID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot mutate the manager's identity slot.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.LocationIDs = append([]string(nil), u.LocationIDs...)
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

// Credential is the directory record used to verify a password login.
type Credential struct {
	User         User   `json:"user"`
	PasswordHash string `json:"-"`
	Salt         string `json:"-"`
}

// Location is the subset of the location directory needed for challenge prompts.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

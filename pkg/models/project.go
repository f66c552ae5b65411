package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project is a monitored application. It owns its members and caches the
// counters derived from its error aggregates.
type Project struct {
	ID           uuid.UUID       `db:"id"             json:"id"`
	Name         string          `db:"name"           json:"name"`
	APIKeyHash   string          `db:"api_key_hash"   json:"-"`
	APIKeyPrefix string          `db:"api_key_prefix" json:"api_key_prefix"`
	Members      []Member        `json:"members"`
	Counters     ProjectCounters `json:"counters"`
	CreatedAt    time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"     json:"updated_at"`
}

// ProjectCounters are recomputed from the project's aggregates after every
// aggregate mutation. Reported == Resolved + Unresolved.
type ProjectCounters struct {
	Reported   int `db:"reported_count"   json:"reported"`
	Resolved   int `db:"resolved_count"   json:"resolved"`
	Unresolved int `db:"unresolved_count" json:"unresolved"`
}

// NewProjectCounters derives consistent counters from a total and a resolved count.
func NewProjectCounters(total, resolved int) ProjectCounters {
	return ProjectCounters{Reported: total, Resolved: resolved, Unresolved: total - resolved}
}

// Member is a project participant. A nil UserID marks a pending invitation
// addressed to Email.
type Member struct {
	UserID        *uuid.UUID `db:"user_id"         json:"user_id,omitempty"`
	Email         string     `db:"email"           json:"email"`
	Admin         bool       `db:"admin"           json:"admin"`
	NotifyByEmail bool       `db:"notify_by_email" json:"notify_by_email"`
}

// Pending reports whether the member is an invitation not yet bound to a user.
func (m Member) Pending() bool {
	return m.UserID == nil
}

func (m Member) is(userID uuid.UUID) bool {
	return m.UserID != nil && *m.UserID == userID
}

// Validate checks the project invariants: a name and at least one admin member.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("project name is required")
	}
	if len(p.Members) == 0 {
		return invalid("project needs at least one member")
	}
	for _, m := range p.Members {
		if m.Admin {
			return nil
		}
	}
	return invalid("project needs at least one admin member")
}

// AddAdminMember appends user as an admin member.
func (p *Project) AddAdminMember(user *User) {
	p.AddMember(user, true)
}

// AddMember appends user with the given role. Notification is on by default.
func (p *Project) AddMember(user *User, admin bool) {
	id := user.ID
	p.Members = append(p.Members, Member{
		UserID:        &id,
		Email:         user.Email,
		Admin:         admin,
		NotifyByEmail: true,
	})
}

// AddPendingMember appends an invitation for an address with no registered user.
func (p *Project) AddPendingMember(email string) {
	p.Members = append(p.Members, Member{Email: email, NotifyByEmail: true})
}

// MemberIncludes reports whether userID is a member of the project, in any role.
func (p *Project) MemberIncludes(userID uuid.UUID) bool {
	return p.Member(userID) != nil
}

// Member returns the member entry for userID, or nil.
func (p *Project) Member(userID uuid.UUID) *Member {
	for i := range p.Members {
		if p.Members[i].is(userID) {
			return &p.Members[i]
		}
	}
	return nil
}

// PendingMember returns the invitation addressed to email, or nil.
func (p *Project) PendingMember(email string) *Member {
	for i := range p.Members {
		if p.Members[i].Pending() && strings.EqualFold(p.Members[i].Email, email) {
			return &p.Members[i]
		}
	}
	return nil
}

// AdminMember reports whether userID is an admin member of the project.
func (p *Project) AdminMember(userID uuid.UUID) bool {
	m := p.Member(userID)
	return m != nil && m.Admin
}

// RemoveMember deletes the member entry for userID. Admin members are never
// removed; the call reports whether the member list changed.
func (p *Project) RemoveMember(userID uuid.UUID) bool {
	for i := range p.Members {
		if !p.Members[i].is(userID) {
			continue
		}
		if p.Members[i].Admin {
			return false
		}
		p.Members = append(p.Members[:i], p.Members[i+1:]...)
		return true
	}
	return false
}

// Recipients returns the addresses of members eligible for error notifications:
// registered users who have not opted out. Pending invitations never receive them.
func (p *Project) Recipients() []string {
	var out []string
	for _, m := range p.Members {
		if m.NotifyByEmail && !m.Pending() && m.Email != "" {
			out = append(out, m.Email)
		}
	}
	return out
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	c := *p
	c.Members = make([]Member, len(p.Members))
	for i, m := range p.Members {
		if m.UserID != nil {
			id := *m.UserID
			m.UserID = &id
		}
		c.Members[i] = m
	}
	return &c
}

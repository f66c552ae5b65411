package models_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUser(email string) *models.User {
	return &models.User{ID: uuid.New(), Email: email}
}

func projectWithAdmin(admin *models.User) *models.Project {
	p := &models.Project{ID: uuid.New(), Name: "shop"}
	p.AddAdminMember(admin)
	return p
}

func TestProject_Validate(t *testing.T) {
	admin := newUser("admin@example.com")

	assert.NoError(t, projectWithAdmin(admin).Validate())

	noName := projectWithAdmin(admin)
	noName.Name = "  "
	assert.ErrorIs(t, noName.Validate(), models.ErrValidation)

	noMembers := &models.Project{Name: "shop"}
	assert.ErrorIs(t, noMembers.Validate(), models.ErrValidation)

	noAdmin := &models.Project{Name: "shop"}
	noAdmin.AddMember(newUser("dev@example.com"), false)
	err := noAdmin.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin")
}

func TestProject_AddAdminMember(t *testing.T) {
	p := projectWithAdmin(newUser("a@example.com"))
	u := newUser("b@example.com")

	p.AddAdminMember(u)

	require.Len(t, p.Members, 2)
	m := p.Member(u.ID)
	require.NotNil(t, m)
	assert.True(t, m.Admin)
	assert.True(t, m.NotifyByEmail)
	assert.Equal(t, "b@example.com", m.Email)
}

func TestProject_MemberLookups(t *testing.T) {
	admin := newUser("a@example.com")
	dev := newUser("d@example.com")
	stranger := newUser("s@example.com")
	p := projectWithAdmin(admin)
	p.AddMember(dev, false)

	assert.True(t, p.MemberIncludes(admin.ID))
	assert.True(t, p.MemberIncludes(dev.ID))
	assert.False(t, p.MemberIncludes(stranger.ID))

	assert.Nil(t, p.Member(stranger.ID))
	assert.Equal(t, &p.Members[1], p.Member(dev.ID))

	assert.True(t, p.AdminMember(admin.ID))
	assert.False(t, p.AdminMember(dev.ID))
	assert.False(t, p.AdminMember(stranger.ID))
}

func TestProject_PendingMember(t *testing.T) {
	p := projectWithAdmin(newUser("a@example.com"))
	p.AddPendingMember("yahoo@yahoo.org")

	last := p.Members[len(p.Members)-1]
	assert.True(t, last.Pending())
	assert.False(t, last.Admin)
	assert.Equal(t, "yahoo@yahoo.org", last.Email)
	assert.NotNil(t, p.PendingMember("YAHOO@yahoo.org"))
	assert.Nil(t, p.PendingMember("other@yahoo.org"))
}

func TestProject_RemoveMember(t *testing.T) {
	admin := newUser("a@example.com")
	dev := newUser("d@example.com")
	p := projectWithAdmin(admin)
	p.AddMember(dev, false)

	assert.True(t, p.RemoveMember(dev.ID))
	assert.Nil(t, p.Member(dev.ID))
	assert.Len(t, p.Members, 1)

	assert.False(t, p.RemoveMember(uuid.New()))
}

func TestProject_RemoveMember_AdminProtected(t *testing.T) {
	admin := newUser("a@example.com")
	p := projectWithAdmin(admin)
	before := p.Clone().Members

	assert.False(t, p.RemoveMember(admin.ID))
	assert.Equal(t, before, p.Members)
}

func TestProject_Recipients(t *testing.T) {
	admin := newUser("a@example.com")
	muted := newUser("m@example.com")
	p := projectWithAdmin(admin)
	p.AddMember(muted, false)
	p.Member(muted.ID).NotifyByEmail = false
	p.AddPendingMember("invitee@example.com")

	assert.Equal(t, []string{"a@example.com"}, p.Recipients())
}

func TestProject_CloneIsDeep(t *testing.T) {
	admin := newUser("a@example.com")
	p := projectWithAdmin(admin)

	c := p.Clone()
	c.Members[0].NotifyByEmail = false
	*c.Members[0].UserID = uuid.New()

	assert.True(t, p.Members[0].NotifyByEmail)
	assert.Equal(t, admin.ID, *p.Members[0].UserID)
}

func TestNewProjectCounters(t *testing.T) {
	c := models.NewProjectCounters(5, 2)
	assert.Equal(t, models.ProjectCounters{Reported: 5, Resolved: 2, Unresolved: 3}, c)
	assert.Equal(t, c.Reported, c.Resolved+c.Unresolved)
}

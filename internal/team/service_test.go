package team

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/internal/access"
)

type fakeStore struct {
	teams       map[string]*Team
	members     map[string]map[string]access.Role
	invitations map[string]*Invitation
	seq         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		teams:       map[string]*Team{},
		members:     map[string]map[string]access.Role{},
		invitations: map[string]*Invitation{},
	}
}

func (f *fakeStore) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) CreateWithOwner(_ context.Context, in CreateTeamInput, ownerID string) (*Team, error) {
	for _, t := range f.teams {
		if t.Slug == in.Slug {
			return nil, ErrSlugTaken
		}
	}
	tenant := in.TenantID
	if tenant == "" {
		tenant = f.next("tenant")
	}
	t := &Team{ID: f.next("team"), TenantID: tenant, Name: in.Name, Slug: in.Slug}
	f.teams[t.ID] = t
	f.members[t.ID] = map[string]access.Role{ownerID: access.RoleOwner}
	return t, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*Team, error) {
	t, ok := f.teams[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return t, nil
}

func (f *fakeStore) ListForUser(_ context.Context, userID string) ([]*Team, error) {
	var out []*Team
	for id, m := range f.members {
		if _, ok := m[userID]; ok {
			out = append(out, f.teams[id])
		}
	}
	return out, nil
}

func (f *fakeStore) Rename(ctx context.Context, id, name string) (*Team, error) {
	t, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Name = name
	return t, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	delete(f.teams, id)
	delete(f.members, id)
	return nil
}

func (f *fakeStore) Members(_ context.Context, teamID string) ([]*Member, error) {
	var out []*Member
	for uid, role := range f.members[teamID] {
		out = append(out, &Member{TeamID: teamID, UserID: uid, Role: role})
	}
	return out, nil
}

func (f *fakeStore) AddMember(_ context.Context, teamID, userID string, role access.Role) error {
	if _, ok := f.members[teamID][userID]; ok {
		return ErrAlreadyMember
	}
	f.members[teamID][userID] = role
	return nil
}

func (f *fakeStore) MemberRole(_ context.Context, teamID, userID string) (access.Role, error) {
	role, ok := f.members[teamID][userID]
	if !ok {
		return "", pgx.ErrNoRows
	}
	return role, nil
}

func (f *fakeStore) SetMemberRole(_ context.Context, teamID, userID string, role access.Role) error {
	f.members[teamID][userID] = role
	return nil
}

func (f *fakeStore) RemoveMember(_ context.Context, teamID, userID string) error {
	delete(f.members[teamID], userID)
	return nil
}

func (f *fakeStore) CountOwners(_ context.Context, teamID string) (int, error) {
	n := 0
	for _, role := range f.members[teamID] {
		if role == access.RoleOwner {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreateInvitation(_ context.Context, inv *Invitation) (*Invitation, error) {
	inv.ID = f.next("inv")
	f.invitations[inv.Token] = inv
	return inv, nil
}

func (f *fakeStore) ListInvitations(_ context.Context, teamID string) ([]*Invitation, error) {
	var out []*Invitation
	for _, inv := range f.invitations {
		if inv.TeamID == teamID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeStore) GetInvitationByToken(_ context.Context, token string) (*Invitation, error) {
	inv, ok := f.invitations[token]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return inv, nil
}

func (f *fakeStore) DeleteInvitation(_ context.Context, teamID, id string) error {
	for tok, inv := range f.invitations {
		if inv.ID == id && inv.TeamID == teamID {
			delete(f.invitations, tok)
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (f *fakeStore) AcceptInvitation(ctx context.Context, inv *Invitation, userID string) error {
	if err := f.AddMember(ctx, inv.TeamID, userID, inv.Role); err != nil {
		return err
	}
	delete(f.invitations, inv.Token)
	return nil
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Acme Corp", "acme-corp"},
		{"  Data / Science  ", "data-science"},
		{"R&D 2024!", "r-d-2024"},
		{"---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestCreate(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	tm, err := svc.Create(ctx, CreateTeamInput{Name: "Acme Corp"}, "u1")
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", tm.Slug)
	assert.NotEmpty(t, tm.TenantID)

	_, err = svc.Create(ctx, CreateTeamInput{Name: "Acme Corp"}, "u2")
	assert.ErrorIs(t, err, ErrSlugTaken)

	_, err = svc.Create(ctx, CreateTeamInput{Name: "  "}, "u1")
	assert.ErrorIs(t, err, ErrNameRequired)

	_, err = svc.Create(ctx, CreateTeamInput{Name: "X", Slug: "Bad Slug"}, "u1")
	assert.ErrorIs(t, err, ErrSlugInvalid)

	second, err := svc.Create(ctx, CreateTeamInput{Name: "Second", TenantID: tm.TenantID}, "u1")
	require.NoError(t, err)
	assert.Equal(t, tm.TenantID, second.TenantID)
}

func TestLastOwnerProtection(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	ctx := context.Background()

	tm, err := svc.Create(ctx, CreateTeamInput{Name: "Ops"}, "owner")
	require.NoError(t, err)
	require.NoError(t, svc.AddMember(ctx, tm.ID, "admin", access.RoleAdmin))

	assert.ErrorIs(t, svc.SetMemberRole(ctx, tm.ID, "owner", access.RoleMember), ErrLastOwner)
	assert.ErrorIs(t, svc.RemoveMember(ctx, tm.ID, "owner"), ErrLastOwner)

	require.NoError(t, svc.SetMemberRole(ctx, tm.ID, "admin", access.RoleOwner))
	require.NoError(t, svc.SetMemberRole(ctx, tm.ID, "owner", access.RoleMember))
	require.NoError(t, svc.RemoveMember(ctx, tm.ID, "owner"))

	members, err := svc.Members(ctx, tm.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "admin", members[0].UserID)
}

func TestMemberRoleValidation(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()
	tm, err := svc.Create(ctx, CreateTeamInput{Name: "Ops"}, "owner")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.AddMember(ctx, tm.ID, "u2", access.RoleSysadmin), ErrRoleInvalid)
	assert.ErrorIs(t, svc.SetMemberRole(ctx, tm.ID, "owner", access.Role("GUEST")), ErrRoleInvalid)
	assert.ErrorIs(t, svc.AddMember(ctx, tm.ID, "owner", access.RoleMember), ErrAlreadyMember)
}

func TestInviteAndAccept(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	tm, err := svc.Create(ctx, CreateTeamInput{Name: "Ops"}, "owner")
	require.NoError(t, err)

	inv, err := svc.Invite(ctx, tm.ID, "New.Person@Example.com", access.RoleAdmin, "owner")
	require.NoError(t, err)
	assert.Equal(t, "new.person@example.com", inv.Email)
	assert.Equal(t, now.Add(InvitationTTL), inv.ExpiresAt)
	assert.Len(t, inv.Token, 43)

	_, err = svc.Accept(ctx, inv.Token, "u9", "someone@example.com")
	assert.ErrorIs(t, err, ErrInvitationEmail)

	got, err := svc.Accept(ctx, inv.Token, "u9", "NEW.person@example.com")
	require.NoError(t, err)
	assert.Equal(t, tm.ID, got.TeamID)

	role, err := store.MemberRole(ctx, tm.ID, "u9")
	require.NoError(t, err)
	assert.Equal(t, access.RoleAdmin, role)

	_, err = svc.Accept(ctx, inv.Token, "u9", "new.person@example.com")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestInviteValidation(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()

	_, err := svc.Invite(ctx, "t1", "not-an-email", access.RoleMember, "owner")
	assert.ErrorIs(t, err, ErrEmailInvalid)

	_, err = svc.Invite(ctx, "t1", "a@example.com", access.RoleSysadmin, "owner")
	assert.ErrorIs(t, err, ErrRoleInvalid)
}

func TestAcceptExpired(t *testing.T) {
	svc := NewService(newFakeStore())
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	inv, err := svc.Invite(ctx, "t1", "a@example.com", access.RoleMember, "owner")
	require.NoError(t, err)

	svc.now = func() time.Time { return start.Add(InvitationTTL) }
	_, err = svc.Accept(ctx, inv.Token, "u2", "a@example.com")
	assert.ErrorIs(t, err, ErrInvitationExpired)
}

package team

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/keelhq/keel/internal/access"
)

var (
	ErrNameRequired      = errors.New("name is required")
	ErrSlugInvalid       = errors.New("slug must be 3-48 lowercase letters, digits or dashes")
	ErrSlugTaken         = errors.New("slug already in use")
	ErrRoleInvalid       = errors.New("role must be one of: OWNER, ADMIN, MEMBER")
	ErrEmailInvalid      = errors.New("email is invalid")
	ErrAlreadyMember     = errors.New("user is already a member of the team")
	ErrLastOwner         = errors.New("a team must keep at least one owner")
	ErrInvitationExpired = errors.New("invitation has expired")
	ErrInvitationEmail   = errors.New("invitation was sent to a different email")
)

// InvitationTTL is how long an invitation stays valid.
const InvitationTTL = 7 * 24 * time.Hour

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,46}[a-z0-9]$`)

type teamStore interface {
	CreateWithOwner(ctx context.Context, in CreateTeamInput, ownerID string) (*Team, error)
	Get(ctx context.Context, id string) (*Team, error)
	ListForUser(ctx context.Context, userID string) ([]*Team, error)
	Rename(ctx context.Context, id, name string) (*Team, error)
	Delete(ctx context.Context, id string) error
	Members(ctx context.Context, teamID string) ([]*Member, error)
	AddMember(ctx context.Context, teamID, userID string, role access.Role) error
	MemberRole(ctx context.Context, teamID, userID string) (access.Role, error)
	SetMemberRole(ctx context.Context, teamID, userID string, role access.Role) error
	RemoveMember(ctx context.Context, teamID, userID string) error
	CountOwners(ctx context.Context, teamID string) (int, error)
	CreateInvitation(ctx context.Context, inv *Invitation) (*Invitation, error)
	ListInvitations(ctx context.Context, teamID string) ([]*Invitation, error)
	GetInvitationByToken(ctx context.Context, token string) (*Invitation, error)
	DeleteInvitation(ctx context.Context, teamID, id string) error
	AcceptInvitation(ctx context.Context, inv *Invitation, userID string) error
}

// Service provides validated team operations.
type Service struct {
	store teamStore
	now   func() time.Time
}

// NewService creates a new Service wrapping the given store.
func NewService(store teamStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Create makes a team owned by ownerID. The slug is derived from the name
// when empty.
func (s *Service) Create(ctx context.Context, in CreateTeamInput, ownerID string) (*Team, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, ErrNameRequired
	}
	if in.Slug == "" {
		in.Slug = Slugify(in.Name)
	}
	if !slugPattern.MatchString(in.Slug) {
		return nil, ErrSlugInvalid
	}
	return s.store.CreateWithOwner(ctx, in, ownerID)
}

func (s *Service) Get(ctx context.Context, id string) (*Team, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]*Team, error) {
	return s.store.ListForUser(ctx, userID)
}

func (s *Service) Rename(ctx context.Context, id, name string) (*Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}
	return s.store.Rename(ctx, id, name)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

func (s *Service) Members(ctx context.Context, teamID string) ([]*Member, error) {
	return s.store.Members(ctx, teamID)
}

// AddMember adds an existing user to the team.
func (s *Service) AddMember(ctx context.Context, teamID, userID string, role access.Role) error {
	if !role.TeamRole() {
		return ErrRoleInvalid
	}
	return s.store.AddMember(ctx, teamID, userID, role)
}

// SetMemberRole changes a member's role, refusing to demote the last owner.
func (s *Service) SetMemberRole(ctx context.Context, teamID, userID string, role access.Role) error {
	if !role.TeamRole() {
		return ErrRoleInvalid
	}
	if role != access.RoleOwner {
		if err := s.guardLastOwner(ctx, teamID, userID); err != nil {
			return err
		}
	}
	return s.store.SetMemberRole(ctx, teamID, userID, role)
}

// RemoveMember removes a member (or lets one leave), refusing to remove the
// last owner.
func (s *Service) RemoveMember(ctx context.Context, teamID, userID string) error {
	if err := s.guardLastOwner(ctx, teamID, userID); err != nil {
		return err
	}
	return s.store.RemoveMember(ctx, teamID, userID)
}

func (s *Service) guardLastOwner(ctx context.Context, teamID, userID string) error {
	current, err := s.store.MemberRole(ctx, teamID, userID)
	if err != nil {
		return err
	}
	if current != access.RoleOwner {
		return nil
	}
	owners, err := s.store.CountOwners(ctx, teamID)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return ErrLastOwner
	}
	return nil
}

// Invite creates an invitation for email with the given role.
func (s *Service) Invite(ctx context.Context, teamID, email string, role access.Role, invitedBy string) (*Invitation, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, ErrEmailInvalid
	}
	if !role.TeamRole() {
		return nil, ErrRoleInvalid
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	return s.store.CreateInvitation(ctx, &Invitation{
		TeamID:    teamID,
		Email:     strings.ToLower(addr.Address),
		Role:      role,
		Token:     token,
		InvitedBy: invitedBy,
		ExpiresAt: s.now().Add(InvitationTTL),
	})
}

func (s *Service) Invitations(ctx context.Context, teamID string) ([]*Invitation, error) {
	return s.store.ListInvitations(ctx, teamID)
}

func (s *Service) DeleteInvitation(ctx context.Context, teamID, id string) error {
	return s.store.DeleteInvitation(ctx, teamID, id)
}

// Accept joins the user to the invitation's team. The user's email must
// match the invited address.
func (s *Service) Accept(ctx context.Context, token, userID, userEmail string) (*Invitation, error) {
	inv, err := s.store.GetInvitationByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !s.now().Before(inv.ExpiresAt) {
		return nil, ErrInvitationExpired
	}
	if !strings.EqualFold(inv.Email, userEmail) {
		return nil, ErrInvitationEmail
	}
	if err := s.store.AcceptInvitation(ctx, inv, userID); err != nil {
		return nil, err
	}
	return inv, nil
}

// Slugify lowercases name and collapses runs of other characters to dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating invitation token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/internal/service"
	"github.com/Baaaki/bazaar-inbox/internal/utils"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// SeedFile is the demo marketplace loaded by the "load" command.
type SeedFile struct {
	Users         []SeedUser         `yaml:"users"`
	Conversations []SeedConversation `yaml:"conversations"`
}

type SeedUser struct {
	Username    string      `yaml:"username"`
	Email       string      `yaml:"email"`
	Password    string      `yaml:"password"`
	DisplayName string      `yaml:"display_name"`
	AvatarURL   string      `yaml:"avatar_url"`
	Role        models.Role `yaml:"role"`
}

// SeedConversation is addressed by the usernames of its two participants.
// The first one starts it.
type SeedConversation struct {
	Between  []string      `yaml:"between"`
	Starred  bool          `yaml:"starred"`
	Archived bool          `yaml:"archived"`
	Spam     bool          `yaml:"spam"`
	ReadBy   []string      `yaml:"read_by"`
	Messages []SeedMessage `yaml:"messages"`
}

type SeedMessage struct {
	From    string         `yaml:"from"`
	Content string         `yaml:"content"`
	Order   map[string]any `yaml:"order"`
}

type Summary struct {
	UsersCreated         int
	ConversationsCreated int
	MessagesSent         int
	Skipped              int
}

func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := file.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", path)
	}
	return &file, nil
}

func (f *SeedFile) validate() error {
	for i, c := range f.Conversations {
		if len(c.Between) != 2 || c.Between[0] == c.Between[1] {
			return fmt.Errorf("conversation %d: between needs two different usernames", i)
		}
		for _, m := range c.Messages {
			if m.From != c.Between[0] && m.From != c.Between[1] {
				return fmt.Errorf("conversation %d: %q is not a participant", i, m.From)
			}
		}
	}
	return nil
}

// Seeder writes seed data through the same services the server uses, so
// seeded rows obey the inbox invariants.
type Seeder struct {
	users         *repository.UserRepository
	conversations *repository.ConversationRepository
	messages      *service.MessageService
	passwords     utils.PasswordParams
	out           io.Writer
}

// NewSeeder publishes no change events; nobody is subscribed while seeding.
func NewSeeder(db *gorm.DB, out io.Writer) *Seeder {
	users := repository.NewUserRepository(db)
	conversations := repository.NewConversationRepository(db, nil)
	messages := repository.NewMessageRepository(db, nil)
	guard := service.NewAccessGuard(conversations)

	return &Seeder{
		users:         users,
		conversations: conversations,
		messages:      service.NewMessageService(guard, conversations, messages, users, nil),
		passwords:     utils.DefaultPasswordParams,
		out:           out,
	}
}

// EnsureUser returns the existing user with that username or creates it.
func (s *Seeder) EnsureUser(ctx context.Context, u SeedUser) (*models.User, bool, error) {
	existing, err := s.users.GetByUsername(ctx, u.Username)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	hash, err := utils.HashPasswordWith(u.Password, s.passwords)
	if err != nil {
		return nil, false, err
	}
	role := u.Role
	if role == "" {
		role = models.RoleBuyer
	}

	user := &models.User{
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: hash,
		DisplayName:  u.DisplayName,
		AvatarURL:    u.AvatarURL,
		Role:         role,
		Status:       models.StatusOffline,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// Apply is idempotent: existing users are reused and conversations that
// already exist are left alone.
func (s *Seeder) Apply(ctx context.Context, file *SeedFile) (Summary, error) {
	var sum Summary
	ids := make(map[string]string, len(file.Users))

	for _, u := range file.Users {
		user, created, err := s.EnsureUser(ctx, u)
		if err != nil {
			return sum, errors.Wrapf(err, "user %s", u.Username)
		}
		ids[u.Username] = user.ID
		if created {
			sum.UsersCreated++
			fmt.Fprintf(s.out, "created %s %s\n", user.Role, user.Username)
		}
	}

	for i, c := range file.Conversations {
		starter, ok1 := ids[c.Between[0]]
		other, ok2 := ids[c.Between[1]]
		if !ok1 || !ok2 {
			return sum, fmt.Errorf("conversation %d: unknown participant", i)
		}

		existing, err := s.conversations.FindByPair(ctx, starter, other)
		if err != nil {
			return sum, err
		}
		if existing != nil {
			sum.Skipped++
			continue
		}

		sent, err := s.seedConversation(ctx, c, ids)
		if err != nil {
			return sum, errors.Wrapf(err, "conversation %s/%s", c.Between[0], c.Between[1])
		}
		sum.ConversationsCreated++
		sum.MessagesSent += sent
	}
	return sum, nil
}

func (s *Seeder) seedConversation(ctx context.Context, c SeedConversation, ids map[string]string) (int, error) {
	convID, err := s.messages.CreateOrReuse(ctx, ids[c.Between[0]], ids[c.Between[1]], "")
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, m := range c.Messages {
		in := service.SendInput{ConversationID: convID, Content: m.Content}
		if len(m.Order) > 0 {
			if in.OrderDetails, err = json.Marshal(m.Order); err != nil {
				return sent, err
			}
		}
		if _, err := s.messages.Send(ctx, ids[m.From], in); err != nil {
			return sent, err
		}
		sent++
	}

	for _, username := range c.ReadBy {
		if _, err := s.messages.MarkAsRead(ctx, convID, ids[username]); err != nil {
			return sent, err
		}
	}

	// Flags go last: archived or spam conversations refuse some mutations.
	flags := map[string]interface{}{}
	if c.Starred {
		flags["is_starred"] = true
	}
	if c.Archived {
		flags["is_archived"] = true
	}
	if c.Spam {
		flags["is_spam"] = true
	}
	if len(flags) > 0 {
		if err := s.conversations.Update(ctx, convID, flags); err != nil {
			return sent, err
		}
	}

	fmt.Fprintf(s.out, "seeded %s <-> %s (%d messages)\n", c.Between[0], c.Between[1], sent)
	return sent, nil
}

// Reset hard-deletes the conversations named in file. Users are kept.
func (s *Seeder) Reset(ctx context.Context, file *SeedFile) (int, error) {
	removed := 0
	for _, c := range file.Conversations {
		a, err := s.users.GetByUsername(ctx, c.Between[0])
		if err != nil {
			return removed, err
		}
		b, err := s.users.GetByUsername(ctx, c.Between[1])
		if err != nil {
			return removed, err
		}
		if a == nil || b == nil {
			continue
		}

		conv, err := s.conversations.FindByPair(ctx, a.ID, b.ID)
		if err != nil {
			return removed, err
		}
		if conv == nil {
			continue
		}
		if err := s.conversations.Delete(ctx, conv.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

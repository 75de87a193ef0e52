package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/media"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/internal/testutil"
	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"
)

type mockUploader struct{ mock.Mock }

func (m *mockUploader) Upload(ctx context.Context, ownerID string, f media.File, onProgress media.ProgressFunc) (*media.Result, error) {
	args := m.Called(ctx, ownerID, f, onProgress)
	if res, ok := args.Get(0).(*media.Result); ok {
		if onProgress != nil {
			onProgress(50)
		}
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

// stepClock hands out strictly increasing timestamps.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type inboxFixture struct {
	db       *gorm.DB
	feed     *testutil.MemoryFeed
	uploader *mockUploader

	convRepo *repository.ConversationRepository
	msgRepo  *repository.MessageRepository
	userRepo *repository.UserRepository

	guard     *AccessGuard
	directory *Directory
	timeline  *Timeline
	messages  *MessageService

	alice   *models.User
	bob     *models.User
	mallory *models.User
}

func newInboxFixture(t *testing.T) *inboxFixture {
	db := testutil.SetupTestDatabase(t).DB
	f := &inboxFixture{
		db:       db,
		feed:     testutil.NewMemoryFeed(),
		uploader: &mockUploader{},
	}

	f.convRepo = repository.NewConversationRepository(db, f.feed)
	f.msgRepo = repository.NewMessageRepository(db, f.feed)
	f.userRepo = repository.NewUserRepository(db)

	profiles := NewProfileResolver(f.userRepo, nil)
	f.guard = NewAccessGuard(f.convRepo)
	f.directory = NewDirectory(f.convRepo, f.msgRepo, profiles, 4)
	f.timeline = NewTimeline(f.guard, f.msgRepo, profiles)
	f.messages = NewMessageService(f.guard, f.convRepo, f.msgRepo, f.userRepo, f.uploader)

	clock := &stepClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	f.messages.now = clock.now

	f.alice = testutil.CreateUser(t, db, "alice", models.RoleBuyer)
	f.bob = testutil.CreateUser(t, db, "bob", models.RoleSeller)
	f.mallory = testutil.CreateUser(t, db, "mallory", models.RoleBuyer)
	return f
}

func (f *inboxFixture) inbox(feed bool) Inbox {
	in := Inbox{
		Guard:     f.guard,
		Directory: f.directory,
		Timeline:  f.timeline,
		Messages:  f.messages,
	}
	if feed {
		in.Feed = f.feed
	}
	return in
}

// conversationWith creates the alice/bob conversation through the service
// with one greeting from alice.
func (f *inboxFixture) conversationWith(t *testing.T, greeting string) string {
	id, err := f.messages.CreateOrReuse(context.Background(), f.alice.ID, f.bob.ID, greeting)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return id
}

func (f *inboxFixture) send(t *testing.T, from *models.User, conversationID, content string) *models.Message {
	msg, err := f.messages.Send(context.Background(), from.ID, SendInput{ConversationID: conversationID, Content: content})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return msg
}

package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Baaaki/bazaar-inbox/internal/handler"
	"github.com/Baaaki/bazaar-inbox/internal/media"
	"github.com/Baaaki/bazaar-inbox/internal/models"
	"github.com/Baaaki/bazaar-inbox/internal/repository"
	"github.com/Baaaki/bazaar-inbox/internal/service"
	"github.com/Baaaki/bazaar-inbox/internal/testutil"
	"github.com/Baaaki/bazaar-inbox/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "handler-test-secret"

type apiFixture struct {
	db       *gorm.DB
	feed     *testutil.MemoryFeed
	router   *gin.Engine
	ws       *handler.WebSocketHandler
	messages *service.MessageService
	mediaDir string

	alice *models.User
	bob   *models.User
	admin *models.User
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.SetupTestDatabase(t).DB
	f := &apiFixture{
		db:       db,
		feed:     testutil.NewMemoryFeed(),
		mediaDir: t.TempDir(),
	}

	convRepo := repository.NewConversationRepository(db, f.feed)
	msgRepo := repository.NewMessageRepository(db, f.feed)
	userRepo := repository.NewUserRepository(db)

	profiles := service.NewProfileResolver(userRepo, nil)
	guard := service.NewAccessGuard(convRepo)
	directory := service.NewDirectory(convRepo, msgRepo, profiles, 4)
	timeline := service.NewTimeline(guard, msgRepo, profiles)
	pipeline := media.NewPipeline(
		media.NewLocalStore(f.mediaDir, "http://media.test"),
		media.NewRasterCompressor(), nil, nil,
		media.DefaultLimits,
	)
	f.messages = service.NewMessageService(guard, convRepo, msgRepo, userRepo, pipeline)

	authService := service.NewAuthService(userRepo, testSecret, time.Hour)
	inbox := service.Inbox{
		Guard:     guard,
		Directory: directory,
		Timeline:  timeline,
		Messages:  f.messages,
		Feed:      f.feed,
	}
	f.ws = handler.NewWebSocketHandler(inbox, authService, []string{"http://localhost:3000"})

	f.router = gin.New()
	handler.RegisterRoutes(f.router, handler.Handlers{
		Auth:      handler.NewAuthHandler(authService, false),
		Inbox:     handler.NewInboxHandler(directory, timeline, f.messages),
		Admin:     handler.NewAdminHandler(service.NewModerationService(convRepo, userRepo, profiles)),
		WebSocket: f.ws,
	}, testSecret, nil)

	f.alice = testutil.CreateUser(t, db, "alice", models.RoleBuyer)
	f.bob = testutil.CreateUser(t, db, "bob", models.RoleSeller)
	f.admin = testutil.CreateUser(t, db, "root", models.RoleAdmin)
	return f
}

func (f *apiFixture) token(t *testing.T, user *models.User) string {
	t.Helper()
	token, err := utils.GenerateToken(user, testSecret, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a JSON request as user; a nil user sends it anonymously.
func (f *apiFixture) do(t *testing.T, user *models.User, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) conversation(t *testing.T, greeting string) string {
	t.Helper()
	w := f.do(t, f.alice, http.MethodPost, "/api/conversations", map[string]string{
		"user_id": f.bob.ID,
		"message": greeting,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	decode(t, w, &body)
	require.NotEmpty(t, body.ConversationID)
	return body.ConversationID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

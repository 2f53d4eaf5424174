package grpc

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	pb "github.com/kegazani/metachat-proto/chat"

	"erasmusly/messaging-service/internal/auth"
	"erasmusly/messaging-service/internal/models"
	"erasmusly/messaging-service/internal/repository"
	"erasmusly/messaging-service/internal/service"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []*models.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, msg *models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *recordingPublisher) published() []*models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.Message(nil), p.messages...)
}

type testServer struct {
	client    pb.ChatServiceClient
	auth      *auth.Authenticator
	publisher *recordingPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	users := repository.NewMemoryUserDirectory(
		&models.User{ID: "1", Name: "Ana"},
		&models.User{ID: "2", Name: "Ben"},
		&models.User{ID: "3", Name: "Cleo"},
	)
	pub := &recordingPublisher{}
	svc := service.NewChatService(repository.NewMemoryChatRepository(), users, pub, logger)
	authenticator, err := auth.NewAuthenticator("test-secret", users)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(authenticator, logger)))
	pb.RegisterChatServiceServer(srv, NewChatServer(svc, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testServer{client: pb.NewChatServiceClient(conn), auth: authenticator, publisher: pub}
}

func (s *testServer) as(t *testing.T, userID string) context.Context {
	t.Helper()
	token, err := s.auth.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestChatServer_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	_, err := s.client.GetUserChats(context.Background(), &pb.GetUserChatsRequest{UserId: "1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer nope")
	_, err = s.client.GetUserChats(ctx, &pb.GetUserChatsRequest{UserId: "1"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestChatServer_ConversationFlow(t *testing.T) {
	s := newTestServer(t)
	ana := s.as(t, "1")
	ben := s.as(t, "2")

	created, err := s.client.CreateChat(ana, &pb.CreateChatRequest{UserId1: "2", UserId2: "1"})
	require.NoError(t, err)
	assert.Equal(t, "1", created.Chat.UserId1)
	assert.Equal(t, "2", created.Chat.UserId2)

	again, err := s.client.CreateChat(ben, &pb.CreateChatRequest{UserId1: "1", UserId2: "2"})
	require.NoError(t, err)
	assert.Equal(t, created.Chat.Id, again.Chat.Id)

	sent, err := s.client.SendMessage(ana, &pb.SendMessageRequest{ChatId: created.Chat.Id, SenderId: "1", Content: "hola"})
	require.NoError(t, err)
	assert.Equal(t, "hola", sent.Message.Content)
	published := s.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, sent.Message.Id, published[0].ID)

	got, err := s.client.GetChatMessages(ben, &pb.GetChatMessagesRequest{ChatId: created.Chat.Id})
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Nil(t, got.Messages[0].ReadAt)

	marked, err := s.client.MarkMessagesAsRead(ben, &pb.MarkMessagesAsReadRequest{ChatId: created.Chat.Id, UserId: "2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, marked.MarkedCount)

	chats, err := s.client.GetUserChats(ben, &pb.GetUserChatsRequest{UserId: "2"})
	require.NoError(t, err)
	require.Len(t, chats.Chats, 1)

	chat, err := s.client.GetChat(ben, &pb.GetChatRequest{ChatId: created.Chat.Id})
	require.NoError(t, err)
	assert.Equal(t, created.Chat.Id, chat.Chat.Id)
}

func TestChatServer_ErrorCodes(t *testing.T) {
	s := newTestServer(t)
	ana := s.as(t, "1")
	cleo := s.as(t, "3")

	created, err := s.client.CreateChat(ana, &pb.CreateChatRequest{UserId1: "1", UserId2: "2"})
	require.NoError(t, err)

	_, err = s.client.CreateChat(cleo, &pb.CreateChatRequest{UserId1: "1", UserId2: "2"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = s.client.CreateChat(ana, &pb.CreateChatRequest{UserId1: "1", UserId2: "1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.client.CreateChat(ana, &pb.CreateChatRequest{UserId1: "1", UserId2: "99"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = s.client.SendMessage(ana, &pb.SendMessageRequest{ChatId: created.Chat.Id, SenderId: "2", Content: "spoof"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = s.client.SendMessage(ana, &pb.SendMessageRequest{ChatId: created.Chat.Id, Content: " "})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.client.SendMessage(cleo, &pb.SendMessageRequest{ChatId: created.Chat.Id, Content: "hi"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = s.client.GetChat(cleo, &pb.GetChatRequest{ChatId: created.Chat.Id})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = s.client.GetChat(ana, &pb.GetChatRequest{ChatId: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = s.client.GetUserChats(cleo, &pb.GetUserChatsRequest{UserId: "1"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = s.client.GetChatMessages(ana, &pb.GetChatMessagesRequest{ChatId: created.Chat.Id, BeforeMessageId: "nope"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	assert.Empty(t, s.publisher.published())
}

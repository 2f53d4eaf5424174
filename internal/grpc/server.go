package grpc

import (
	"context"
	"errors"

	"erasmusly/messaging-service/internal/auth"
	"erasmusly/messaging-service/internal/models"
	"erasmusly/messaging-service/internal/repository"
	"erasmusly/messaging-service/internal/service"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	pb "github.com/kegazani/metachat-proto/chat"
)

// ChatServer exposes the messaging service to sibling backend services. Every
// call runs as the user the auth interceptor put in the context.
type ChatServer struct {
	pb.UnimplementedChatServiceServer
	service service.ChatService
	logger  *logrus.Logger
}

func NewChatServer(svc service.ChatService, logger *logrus.Logger) *ChatServer {
	return &ChatServer{
		service: svc,
		logger:  logger,
	}
}

func (s *ChatServer) CreateChat(ctx context.Context, req *pb.CreateChatRequest) (*pb.CreateChatResponse, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if caller.ID != req.UserId1 && caller.ID != req.UserId2 {
		return nil, s.deny(caller, "CreateChat")
	}

	s.logger.WithFields(logrus.Fields{
		"user_id1": req.UserId1,
		"user_id2": req.UserId2,
	}).Info("Resolving chat via gRPC")

	chat, err := s.service.ResolveChat(ctx, req.UserId1, req.UserId2)
	if err != nil {
		return nil, s.toStatus(err, "failed to create chat")
	}

	return &pb.CreateChatResponse{
		Chat: chatToProto(chat),
	}, nil
}

func (s *ChatServer) GetChat(ctx context.Context, req *pb.GetChatRequest) (*pb.GetChatResponse, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}

	details, err := s.service.GetChat(ctx, req.ChatId, caller.ID)
	if err != nil {
		return nil, s.toStatus(err, "failed to get chat")
	}

	return &pb.GetChatResponse{
		Chat: chatToProto(details.Chat),
	}, nil
}

func (s *ChatServer) GetUserChats(ctx context.Context, req *pb.GetUserChatsRequest) (*pb.GetUserChatsResponse, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if req.UserId != "" && req.UserId != caller.ID {
		return nil, s.deny(caller, "GetUserChats")
	}

	chats, err := s.service.GetUserChats(ctx, caller.ID)
	if err != nil {
		return nil, s.toStatus(err, "failed to get user chats")
	}

	protoChats := make([]*pb.Chat, len(chats))
	for i, d := range chats {
		protoChats[i] = chatToProto(d.Chat)
	}

	return &pb.GetUserChatsResponse{
		Chats: protoChats,
	}, nil
}

// SendMessage goes through the same path as the HTTP gateway, so live
// sessions see messages sent by other services too.
func (s *ChatServer) SendMessage(ctx context.Context, req *pb.SendMessageRequest) (*pb.SendMessageResponse, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if req.SenderId != "" && req.SenderId != caller.ID {
		return nil, s.deny(caller, "SendMessage")
	}

	msg, err := s.service.SendMessage(context.WithoutCancel(ctx), req.ChatId, caller.ID, req.Content)
	if err != nil {
		return nil, s.toStatus(err, "failed to send message")
	}

	return &pb.SendMessageResponse{
		Message: messageToProto(msg),
	}, nil
}

func (s *ChatServer) GetChatMessages(ctx context.Context, req *pb.GetChatMessagesRequest) (*pb.GetChatMessagesResponse, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}

	limit := int(req.Limit)
	if limit <= 0 {
		limit = 50
	}

	messages, err := s.service.GetChatMessages(ctx, req.ChatId, caller.ID, limit, req.BeforeMessageId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get chat messages")
	}

	protoMessages := make([]*pb.Message, len(messages))
	for i, m := range messages {
		protoMessages[i] = messageToProto(m)
	}

	return &pb.GetChatMessagesResponse{
		Messages: protoMessages,
	}, nil
}

func (s *ChatServer) MarkMessagesAsRead(ctx context.Context, req *pb.MarkMessagesAsReadRequest) (*pb.MarkMessagesAsReadResponse, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if req.UserId != "" && req.UserId != caller.ID {
		return nil, s.deny(caller, "MarkMessagesAsRead")
	}

	count, err := s.service.MarkMessagesAsRead(ctx, req.ChatId, caller.ID)
	if err != nil {
		return nil, s.toStatus(err, "failed to mark messages as read")
	}

	return &pb.MarkMessagesAsReadResponse{
		MarkedCount: int32(count),
	}, nil
}

func (s *ChatServer) caller(ctx context.Context) (*models.User, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	return user, nil
}

func (s *ChatServer) deny(caller *models.User, method string) error {
	s.logger.WithFields(logrus.Fields{
		"security": true,
		"user_id":  caller.ID,
		"method":   method,
	}).Warn("gRPC caller acted for another user")
	return status.Error(codes.PermissionDenied, "caller may only act as itself")
}

func (s *ChatServer) toStatus(err error, action string) error {
	switch {
	case errors.Is(err, service.ErrBadRequest),
		errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrSelfConversation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrNotParticipant):
		return status.Error(codes.PermissionDenied, "user is not a participant in this chat")
	case errors.Is(err, service.ErrChatNotFound):
		return status.Error(codes.NotFound, "chat not found")
	case errors.Is(err, service.ErrUnknownUser):
		return status.Error(codes.NotFound, "user not found")
	case errors.Is(err, repository.ErrMessageNotFound):
		return status.Error(codes.NotFound, "message not found")
	default:
		s.logger.WithError(err).Error(action)
		return status.Errorf(codes.Internal, "%s", action)
	}
}

func chatToProto(chat *models.Chat) *pb.Chat {
	return &pb.Chat{
		Id:        chat.ID,
		UserId1:   chat.UserID1,
		UserId2:   chat.UserID2,
		CreatedAt: timestamppb.New(chat.CreatedAt),
		UpdatedAt: timestamppb.New(chat.UpdatedAt),
	}
}

func messageToProto(msg *models.Message) *pb.Message {
	protoMsg := &pb.Message{
		Id:        msg.ID,
		ChatId:    msg.ChatID,
		SenderId:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: timestamppb.New(msg.CreatedAt),
	}

	if msg.ReadAt != nil {
		protoMsg.ReadAt = timestamppb.New(*msg.ReadAt)
	}

	return protoMsg
}

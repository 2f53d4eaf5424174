package grpc

import (
	"context"
	"errors"
	"strings"

	"erasmusly/messaging-service/internal/auth"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// UnaryAuthInterceptor requires a bearer JWT in the authorization metadata and
// stores the resolved user in the handler context.
func UnaryAuthInterceptor(authenticator *auth.Authenticator, logger *logrus.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		token := tokenFromMetadata(ctx)

		user, err := authenticator.Authenticate(ctx, token)
		if err != nil {
			if !errors.Is(err, auth.ErrMissingToken) && !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrUnknownUser) {
				logger.WithError(err).Error("Authentication backend failure")
				return nil, status.Error(codes.Internal, "authentication unavailable")
			}

			fields := logrus.Fields{
				"security": true,
				"method":   info.FullMethod,
			}
			if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
				fields["peer_addr"] = p.Addr.String()
			}
			logger.WithError(err).WithFields(fields).Warn("Rejected unauthenticated gRPC call")
			return nil, status.Error(codes.Unauthenticated, "invalid or missing token")
		}

		return handler(auth.WithUser(ctx, user), req)
	}
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ""
	}
	if token := auth.BearerToken(values[0]); token != "" {
		return token
	}
	return strings.TrimSpace(values[0])
}

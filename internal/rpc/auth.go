package rpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"opendut/internal/authn"
)

type peerIdentityKey struct{}

// PeerIdentity returns the validated caller extracted by AuthUnaryInterceptor,
// or ok=false if the current context carries none (e.g. auth disabled).
func PeerIdentity(ctx context.Context) (*authn.Claims, bool) {
	claims, ok := ctx.Value(peerIdentityKey{}).(*authn.Claims)
	return claims, ok
}

// AuthConfig toggles and configures bearer-token authentication for the
// coordinator's gRPC surface.
type AuthConfig struct {
	Enabled bool
	// SkipMethods lists full method names exempt from auth, e.g. health checks.
	SkipMethods []string
}

// AuthUnaryInterceptor validates the "authorization: Bearer <jwt>"
// metadata of every call against validator; methods listed in
// SkipMethods bypass the check.
func AuthUnaryInterceptor(cfg AuthConfig, validator *authn.Validator) grpc.UnaryServerInterceptor {
	skip := make(map[string]bool, len(cfg.SkipMethods))
	for _, m := range cfg.SkipMethods {
		skip[m] = true
	}

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !cfg.Enabled || skip[info.FullMethod] {
			return handler(ctx, req)
		}

		claims, err := authenticate(ctx, validator)
		if err != nil {
			return nil, err
		}
		return handler(context.WithValue(ctx, peerIdentityKey{}, claims), req)
	}
}

// AuthStreamInterceptor is the streaming counterpart, used to guard
// PeerMessagingBroker.open.
func AuthStreamInterceptor(cfg AuthConfig, validator *authn.Validator) grpc.StreamServerInterceptor {
	skip := make(map[string]bool, len(cfg.SkipMethods))
	for _, m := range cfg.SkipMethods {
		skip[m] = true
	}

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !cfg.Enabled || skip[info.FullMethod] {
			return handler(srv, ss)
		}

		claims, err := authenticate(ss.Context(), validator)
		if err != nil {
			return err
		}
		return handler(srv, &authedServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ss.Context(), peerIdentityKey{}, claims),
		})
	}
}

type authedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedServerStream) Context() context.Context { return s.ctx }

func authenticate(ctx context.Context, validator *authn.Validator) (*authn.Claims, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization")
	}

	token, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	claims, err := validator.Validate(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return claims, nil
}

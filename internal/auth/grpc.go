package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StreamInterceptor is the gRPC counterpart of Middleware: it validates the
// bearer token in the "authorization" metadata and exposes its claims through
// the stream context.
func StreamInterceptor(secret string, roles ...string) grpc.StreamServerInterceptor {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if secret == "" {
			return handler(srv, ss)
		}
		md, _ := metadata.FromIncomingContext(ss.Context())
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		tokenString := tokenFromHeader(header)
		if tokenString == "" {
			return status.Error(codes.Unauthenticated, "missing token")
		}
		claims, err := Parse(secret, tokenString)
		if err != nil {
			return status.Error(codes.Unauthenticated, "invalid token")
		}
		if len(allowed) > 0 {
			if _, ok := allowed[claims.Role]; !ok {
				return status.Error(codes.PermissionDenied, "forbidden")
			}
		}
		ctx := context.WithValue(ss.Context(), claimsKey{}, claims)
		return handler(srv, &claimsStream{ServerStream: ss, ctx: ctx})
	}
}

type claimsStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *claimsStream) Context() context.Context { return s.ctx }

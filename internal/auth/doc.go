// Package auth provides bearer token authentication for coven-sessions.
//
// coven-sessions is a single-user service. One HS256 secret (auth.jwt_secret)
// signs every token and the token subject names the caller in logs.
//
// # HTTP
//
// HTTPAuthMiddleware guards the JSON API. Tokens normally arrive in the
// Authorization header; StreamRoutes additionally accepts ?token= on SSE
// stream requests.
//
// # gRPC
//
// UnaryInterceptor and StreamInterceptor guard a runner service. Clients
// dialing a runner attach their token with BearerCredentials:
//
//	grpc.WithPerRPCCredentials(auth.BearerCredentials{Token: tok, AllowInsecure: true})
//
// Tokens are minted with JWTVerifier.Generate, which `coven-sessions token`
// exposes on the command line.
package auth

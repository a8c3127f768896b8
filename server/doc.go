// Package server implements the authorization engine behind the HTTP handlers.
//
// The Server issues single-use authorization codes bound to an S256 PKCE
// challenge, exchanges them for opaque access and refresh tokens, rotates
// refresh tokens, revokes tokens with a cascade across the access/refresh link,
// and verifies bearer tokens for resource servers.
//
// All state lives in a storage.Provider under three key families:
//
//	code:{code}       AuthorizationCode, TTL = code lifetime
//	access:{token}    AccessToken,       TTL = access token lifetime
//	refresh:{token}   RefreshToken,      TTL = refresh token lifetime
//
// Single use of codes (and of refresh tokens during rotation) is enforced by
// Provider.CompareAndSetUsed, never by a read followed by a write.
//
// Example usage:
//
//	reg, err := registry.LoadFile("clients.yaml")
//	if err != nil {
//	    return err
//	}
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(reg, store, security.NewAuditor(logger, true), &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    return err
//	}
package server

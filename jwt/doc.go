// Package jwt issues signed access/refresh token pairs and tracks token
// families for revocation and refresh rotation.
//
// A family starts at Issue with generation 0. Each rotating Refresh moves
// the family to the next generation with a single compare-and-swap, so of
// two concurrent refreshes with the same token at most one succeeds. The
// loser, like any later replay of a spent refresh token, revokes the whole
// family.
//
// With StrategyConfig.Stateful unset, access tokens are checked for
// signature and expiry only and stay valid until they expire even after
// RevokeFamily.
package jwt

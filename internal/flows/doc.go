// Package flows runs multi-stage logins as a state machine over a stored
// login session.
//
// # States
//
// A flow is COLLECTING while stages remain, passes through STAGE_VERIFIED
// each time a stage succeeds, and ends COMPLETE (credentials minted by the
// Finalizer) or ABANDONED (attempt limit reached, a code expired or hit its
// limit, or the caller cancelled).
//
// # Stages
//
// The primary stage (password, login_by_code or provider) always comes
// first. Secondary stages follow in configured priority: verify_email,
// verify_phone, mfa_authenticate. Only the first pending stage may be
// submitted; anything else is an Invalid attempt against it.
//
// # Architecture boundaries
//
// The Machine holds no per-flow state. It coordinates the session store,
// the user directory, the authenticator registry and the provider registry,
// and reports transitions to an Observer. Rate limiting and token minting
// belong to the caller.
package flows

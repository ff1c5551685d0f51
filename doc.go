// Package eduauth holds the client-side authentication state of an EduSync
// client: who is signed in, with which role, and whether that is known yet.
//
// A [Manager] is the single source of truth for one client. It is built
// through [Builder] around an [AuthService] and exposes three operations that
// may change the [Session]: Login, Logout and FetchUser. Any other code reads
// snapshots via Manager.Session or Manager.Subscribe.
//
// # Consistency
//
// A Session is replaced atomically: User, IsAuthenticated and Status are never
// observed in a mixed state. Each operation takes a generation number when it
// starts, and only the newest generation may commit. Logout clears the session
// at once, so a login or fetch that was in flight when the user signed out is
// discarded rather than re-authenticating them.
//
// # Architecture boundaries
//
// eduauth has no transport of its own. The HTTP client lives in authclient,
// token persistence in tokenstore, and access decisions for pages in
// middleware. Audit dispatch is internal and never exported.
package eduauth

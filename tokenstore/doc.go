// Package tokenstore persists the access token of each EduSync client so a
// restarted process (or a returning browser) can restore its session through
// Manager.FetchUser.
//
// [RedisStore] shares tokens across web processes. [MemoryStore] serves a
// single process and tests. Both implement [Store].
package tokenstore

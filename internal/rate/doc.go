// Package rate throttles sign-in attempts with Redis fixed-window counters.
//
// # Window semantics
//
// INCR plus EXPIRE on the first hit of a window. Keys, below the configured
// prefix:
//   - login:u:<identifier> counts failures per account identifier
//   - login:ip:<address>   counts failures per client address
//
// Only failures are counted; a successful sign-in clears both counters.
package rate

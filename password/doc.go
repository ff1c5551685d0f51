// Package password hashes and checks the credentials of the development auth
// service with Argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.Check] also runs against a throwaway hash when the account does not
// exist, so a failed login costs the same whether or not the identifier is
// known.
package password

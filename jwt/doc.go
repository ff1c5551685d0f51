// Package jwt issues and verifies the identity access tokens exchanged with
// the EduSync auth service. The auth service signs tokens with [Manager.Issue];
// clients verify them with [Manager.Parse] before trusting the identity they
// carry.
package jwt

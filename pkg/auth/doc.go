// Package auth provides credential validation for the gatekeeper pipeline.
//
// Validation is fail-closed: every validator returns an Outcome, never an
// error, so no failure mode can cross a component boundary as an exception.
// The Chain tries credential sources in a fixed priority order (bearer
// token, API key header, query-parameter fallback); the first source that
// validates wins, and a request with no credentials at all is rejected.
package auth

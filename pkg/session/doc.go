// Package session runs lifecycle sessions in an external agent process.
//
// ProcessExecutor implements engine.SessionExecutor. It starts the configured
// agent command once per session and exchanges JSON lines with it on stdio
// (see package protocol). An agent question suspends the calling worker until
// the Responder answers; this is the only call in specflow allowed to wait on
// a human.
//
// Errors are classified for the batch executor: rate limits are throttled,
// agent crashes and retryable agent errors are transient, and unreadable or
// out-of-order output is a permanent MALFORMED_RESULT.
package session

// Package gate blocks challenge connections until their token is approved.
//
// Connections do not poll the allow-list themselves. Each call to
// AwaitApproval parks on a channel, and a single loop started with Run
// reads one snapshot of the allow-list per interval and releases every
// waiter whose token is present. N pending challenges therefore cost one
// read per interval instead of N.
//
// A waiter is released with an error when its context is cancelled (peer
// gone or server shutting down), or when the allow-list could not be read
// MaxReadFailures times in a row while it was waiting. "Not approved yet"
// never releases a waiter: there is no upper bound on the wait.
package gate

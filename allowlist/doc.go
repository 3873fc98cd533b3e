// Package allowlist answers membership queries against the collection of
// approved challenge tokens.
//
// The collection is owned by an external administrative process which may
// append to it at any time. Stores never cache across calls: every Contains
// or Snapshot reads the backing resource again, so an approval becomes
// visible on the next check without restarting the server.
//
// The file store keeps the historical matching rule by default: a token is
// approved when it appears anywhere in the file, which means a token that
// is a substring of an approved token is approved as well. MatchLine turns
// that off and requires a full line match.
package allowlist

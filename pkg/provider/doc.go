// Package provider abstracts agent backends behind a single capability
// interface: start or resume a session, stream messages out of it, feed
// queued user turns into it, and bridge tool-approval requests back to a
// human. Concrete backends include a subprocess speaking a line-delimited
// JSON-RPC protocol over stdio and an embedded Anthropic SDK client.
package provider

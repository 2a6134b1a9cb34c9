// Package control implements the Control API of netintent: the entry point for
// intent submissions, approvals, cancellations and run status queries.
//
// Service validates a submission entirely before writing anything. An intent
// is normalized to canonical JSON so the digest that binds an apply to its
// approved plan does not depend on format or key order. The scope inventory is
// resolved from disk and an optional admission policy is evaluated. Only then
// are the intent snapshot and the queued run recorded.
//
// Handler exposes Service over HTTP, Watcher pushes run progress over
// websockets and Client is the HTTP client used by the CLI.
package control

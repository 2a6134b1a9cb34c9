// Package policy evaluates run submissions against Open Policy Agent rules.
//
// Admission policies are Rego v1 modules loaded from files or directories.
// Every module contributes to the rule set queried as
//
//	data.netintent.admission.deny
//
// which must be a set of messages. The input document is
//
//	{
//	  "mode": "apply",
//	  "scope": "prod",
//	  "template_set": "edge",
//	  "tags": ["vlans"],
//	  "submitted_by": "alice",
//	  "intent": {...},
//	  "time": "2026-01-01T00:00:00Z"
//	}
//
// A module denying applies outside business hours on prod:
//
//	package netintent.admission
//
//	deny contains msg if {
//	    input.mode == "apply"
//	    input.scope == "prod"
//	    time.weekday(time.parse_rfc3339_ns(input.time)) == "Sunday"
//	    msg := "no production applies on Sunday"
//	}
//
// Rules may also produce objects with "message" and "policy" keys.
//
// The Loader can watch the configured paths with fsnotify and recompile the
// engine after a debounce delay. A reload that fails to compile keeps the
// previous rule set.
package policy

// Package cse implements the request dispatcher of the CSE. It accepts
// oneM2M request primitives from any binding, resolves their targets in the
// resource tree, enforces access control, runs the type-specific lifecycle
// hooks and answers with response primitives.
//
// The dispatcher serializes conflicting work with per-resource locks and
// publishes every committed change on the event bus, where the notifier and
// the announcer pick it up. Non-blocking requests are tracked as <request>
// resources and executed in the background; unreachable originators receive
// their requests through polling channels.
package cse

// Package resources maps resource type codes to their lifecycle behaviors.
//
// A behavior hooks into the dispatcher pipeline around storage commits:
// Prepare and Activate bracket a create, Update guards the merged
// representation before it is persisted, Deactivate releases side effects
// ahead of deletion, WillBeRetrieved runs before a retrieve is answered.
// Types without special lifecycle rules share a no-op behavior, announced
// variants included.
//
// Behaviors reach the rest of the platform only through the Env interface,
// implemented by the CSE service. That keeps the package free of dependency
// cycles: the dispatcher calls behaviors, behaviors call back into the
// platform surface, never into the dispatcher package directly.
package resources

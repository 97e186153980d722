// Package registry is the directory of supervisors, their subordinates and
// the live instances bound to registered names.
//
// The supervision graph is a forest: every name has at most one supervisor.
// Registrations that would give a name a second supervisor or close a cycle
// fail with a *CycleError and leave the registry unchanged.
//
// The registry answers who supervises whom and which supervisors claim a
// task type. It does not schedule work; dispatch code consults it and may
// refuse names that have no bound instance.
package registry

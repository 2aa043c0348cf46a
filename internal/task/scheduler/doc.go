// Package scheduler drives a respire context from the host's wall clock.
//
// It owns no scheduling semantics of its own: robfig/cron fires Loop on
// every tick and Save on the checkpoint schedule, and the context decides
// what is due.
package scheduler

// Package observability provides the daemon's event trail: an in-process
// bus for live subscribers, JSON Lines persistence, metrics derived
// on-demand from the persisted events, and threshold alerting with an
// optional webhook notifier.
package observability

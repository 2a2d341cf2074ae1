// Package events defines the task lifecycle events emitted by task runners
// and the dispatcher that fans them out to listeners. Listener failures are
// logged and never reach the runner that published the event.
package events

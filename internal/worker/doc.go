// Package worker defines the handler contract that task workers implement,
// the configuration describing one worker, and the registry that maps a task
// type and domain to that configuration.
//
// Workers are normally registered at program start:
//
//	func init() {
//		worker.Register(worker.DefaultRegistry, "echo", echo, worker.WithConcurrency(4))
//	}
//
// A handler signals that a task can never succeed by returning an error
// wrapped with Terminal or NewTerminalError. Any other error leaves the retry
// decision to the remote queue.
package worker

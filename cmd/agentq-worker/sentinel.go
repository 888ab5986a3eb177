package main

import "github.com/agentq/agentq/pkg/sentinel"

// runSentinel starts the sentinel supervisor for the worker.
func runSentinel() {
	sentinel.Run()
}

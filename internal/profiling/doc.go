// Package profiling captures a profile of the target application while load
// is applied.
//
// Two strategies exist. The sampling profiler subscribes to a stream of
// call-stack samples published by the application over a websocket; it
// applies to Node.js projects. The agent profiler restarts an Open Liberty
// server with a native health-center agent attached, launches the agent for
// the run duration and then polls the container until the agent's output
// file appears.
//
// The engine picks a strategy once per run with a Selector and only ever
// talks to it through the Strategy interface.
package profiling

// Package agent runs vendor coding-agent CLIs as child processes.
//
// A Runner spawns one process per Start call and returns a Handle. The
// Handle carries the process id, an input sink that accepts vendor encoded
// messages on stdin, and a single-consumer channel of decoded Events read
// from stdout. The channel closes once stdout ends and the process has been
// reaped.
package agent

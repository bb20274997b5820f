// Package vm implements the tinybeam actor runtime core.
//
// This package contains:
//   - Tagged 64-bit terms (immediates and heap handles)
//   - Per-process heaps with a copying collector
//   - Mailboxes and deep copy of messages between heaps
//   - A cooperative round-robin scheduler
//   - The process registry (pids, registered names, reference ticks)
//   - Built-in NIFs and the echo and console ports
//
// Bytecode execution is supplied by the embedder through Interpreter.
package vm

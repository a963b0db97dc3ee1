// Package logx configures plugd's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps
// console output readable (short timestamp + short caller) and file
// output JSON-structured, and lets sinks/levels be swapped at runtime.
package logx

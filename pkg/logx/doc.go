// Package logx is respire's structured logging: a value-type Logger over
// zerolog, a Service that swaps sinks on config reload, and a Throttle for
// diagnostics that can fire once per tick.
package logx

// Package logx configures notifyd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for log shippers (stdout or file)
//   - Sink/level changes live across config reloads
package logx

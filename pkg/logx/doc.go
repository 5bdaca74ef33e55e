// Package logx configures ghostrun's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A zero value that is safe to pass around in tests
package logx

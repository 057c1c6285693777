// Package logx configures catabot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp and short caller)
//   - file output JSON-structured
//   - an optional chat sink (min-level and rate limiting) for warnings
package logx

// Package logx configures campaignbot's structured logging.
//
// Logger is a small wrapper on top of zerolog:
//   - console output stays readable (short timestamp, short caller)
//   - file output is JSON
//   - an optional operator chat sink forwards WARN+ lines, rate limited
package logx

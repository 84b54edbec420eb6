// Package logx wraps zerolog with a value-type Logger and a Service whose
// sinks and level can be swapped while loggers are in use.
//
// Console output is pretty by default and JSON on request. File output is
// always JSON.
package logx

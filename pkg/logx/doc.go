// Package logx provides a small structured logging facade over zerolog.
//
// Components receive a Logger value; the Service owns sink configuration
// (console/file, level) and can re-apply it at runtime without invalidating
// loggers already handed out.
package logx

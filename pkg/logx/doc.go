// Package logx is the structured logger used across tasksched.
//
// Logger is a value type over zerolog; the zero value discards everything.
// Loggers derived from a Service follow Service.Apply, so a config reload
// changes outputs and levels without rebuilding components. Named loggers
// carry a "comp" field and can have their own level.
package logx

// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so components receive an injectable Logger value instead of
// reaching for a global, and so log outputs/levels can be swapped at
// runtime (config hot-reload) without re-wiring every consumer.
package logx

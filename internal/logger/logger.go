// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// ServiceName は全ログ行に付与するserviceフィールドの値。
const ServiceName = "larkbilling"

// Options はロガーの出力設定。
type Options struct {
	// Level がnilの場合はINFO。
	Level slog.Leveler
	// Command は起動したサブコマンド名（serve, worker, migrate）。空なら付与しない。
	Command string
}

// New はwへJSONで出力するslog.Loggerを返す。
func New(w io.Writer, opts Options) *slog.Logger {
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With(slog.String("service", ServiceName))
	if opts.Command != "" {
		l = l.With(slog.String("command", opts.Command))
	}
	return l
}

// SetupDefault はNewで作ったロガーをグローバルロガーに設定して返す。wがnilならos.Stdout。
func SetupDefault(w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := New(w, opts)
	slog.SetDefault(l)
	return l
}

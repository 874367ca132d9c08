// Package log provides the bridge's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. It is backed by log/slog through a
// custom handler that feeds entries to a Formatter and one or more Outputs.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("router"))
//	l.Info("dropped frame", log.Token(tok), log.Topic(topic))
//
// ApplyConfig builds a logger from a declarative Config. ToStdLogger and
// RedirectStdLog route libraries that expect *log.Logger through the facade.
package log

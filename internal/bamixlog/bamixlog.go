// Package bamixlog is a thin logging wrapper in the teacher's own style:
// plain log.Printf calls behind a short component tag, rather than a
// structured-logging framework (see DESIGN.md for why no such framework
// from the pack was adopted).
package bamixlog

import "log"

// Logger tags every line with a component name, e.g. "mix", "snoop", or a
// client id, mirroring how internal/audio tags lines "🔊"/"🔄" ad hoc in
// the teacher.
type Logger struct {
	tag string
}

// New returns a Logger that prefixes every line with "[tag] ".
func New(tag string) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) Debugf(format string, args ...any) {
	log.Printf("[%s] debug: "+format, append([]any{l.tag}, args...)...)
}

func (l *Logger) Infof(format string, args ...any) {
	log.Printf("[%s] "+format, append([]any{l.tag}, args...)...)
}

func (l *Logger) Warnf(format string, args ...any) {
	log.Printf("[%s] warn: "+format, append([]any{l.tag}, args...)...)
}

func (l *Logger) Errorf(format string, args ...any) {
	log.Printf("[%s] error: "+format, append([]any{l.tag}, args...)...)
}

// With returns a child Logger scoped to a sub-tag, e.g. logger.With(clientID.String()).
func (l *Logger) With(subtag string) *Logger {
	return &Logger{tag: l.tag + "/" + subtag}
}

package ninep

// Anything that can print a formatted line; *log.Logger and the logger
// returned by zap.NewStdLog both qualify.
type Logger interface {
	Printf(format string, values ...interface{})
}

type Loggable struct {
	ErrorLog, TraceLog Logger
}

func (l *Loggable) Errorf(format string, values ...interface{}) {
	if l.ErrorLog != nil {
		l.ErrorLog.Printf(format, values...)
	}
}

func (l *Loggable) Tracef(format string, values ...interface{}) {
	if l.TraceLog != nil {
		l.TraceLog.Printf(format, values...)
	}
}

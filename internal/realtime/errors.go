package realtime

import "github.com/antoniostano/bankvoice/internal/reliability"

// sessionError is a sentinel that also carries its remedial action.
type sessionError struct {
	msg    string
	remedy reliability.Remedy
}

func (e *sessionError) Error() string              { return e.msg }
func (e *sessionError) Remedy() reliability.Remedy { return e.remedy }

var (
	ErrAlreadyActive  error = &sessionError{"realtime: session already connecting or connected", reliability.RemedyNone}
	ErrConnectTimeout error = &sessionError{"realtime: connect timed out", reliability.RemedyRetry}
	ErrConnectionLost error = &sessionError{"realtime: connection lost", reliability.RemedyRetry}
	ErrConnectAborted error = &sessionError{"realtime: connect aborted by disconnect", reliability.RemedyNone}
	ErrCredential     error = &sessionError{"realtime: credential rejected", reliability.RemedyCheckCredentials}
	ErrUpstreamBusy   error = &sessionError{"realtime: upstream unavailable", reliability.RemedyRetry}
	ErrNotConnected   error = &sessionError{"realtime: not connected", reliability.RemedyRetry}
)

// ErrorKind is the category reported through Callbacks.OnError.
type ErrorKind string

const (
	KindCredential     ErrorKind = "credential"
	KindCapture        ErrorKind = "capture"
	KindConnectTimeout ErrorKind = "connect_timeout"
	KindConnectionLost ErrorKind = "connection_lost"
	KindTransport      ErrorKind = "transport"
	KindProtocol       ErrorKind = "protocol"
)

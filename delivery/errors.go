package delivery

import "fmt"

// ResolutionError means no provider matches the sender's domain, or the
// identity has no usable domain at all.
type ResolutionError struct {
	Identity string
	Domain   string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %v", e.Identity, e.Err)
	}
	return fmt.Sprintf("no SMTP provider known for domain %q (sender %s)", e.Domain, e.Identity)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ConnectError wraps a failure while opening, securing or authenticating a
// connection. Stage is one of dial, hello, starttls, auth.
type ConnectError struct {
	Stage string
	Addr  string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SendError wraps a failure during the mail transaction on an open
// connection. Stage is one of deadline, mail from, rcpt to, data start,
// data write, data close, reset.
type SendError struct {
	Stage string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send: %s: %v", e.Stage, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

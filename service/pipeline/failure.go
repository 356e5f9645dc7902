package pipeline

import "fmt"

// Kind classifies why a track could not be delivered.
type Kind string

const (
	KindFetch              Kind = "fetch"
	KindTranscode          Kind = "transcode"
	KindTag                Kind = "tag"
	KindDeliverRateLimited Kind = "deliver-rate-limited"
	KindDeliverOther       Kind = "deliver-other"
	KindUnexpected         Kind = "unexpected"
)

// Failure is the error half of a pipeline Result. Callers switch on Kind.
type Failure struct {
	Kind   Kind
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is the outcome of one Process call. Err is nil on success.
type Result struct {
	MessageID int
	Err       *Failure
}

func (r Result) OK() bool {
	return r.Err == nil
}

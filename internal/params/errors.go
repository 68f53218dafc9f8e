package params

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an operation on a node, channel or field failed.
type ErrorKind int

const (
	// KindConnection: a vendor session or OPC UA link is missing. Aborts the operation.
	KindConnection ErrorKind = iota + 1
	// KindIdentity: a node is not what the operation expects (ItemType, IsgAxisDef).
	KindIdentity
	// KindMapping: no data, path or field mapping for the target.
	KindMapping
	// KindTransform: a value could not be parsed or converted.
	KindTransform
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindIdentity:
		return "identity"
	case KindMapping:
		return "mapping"
	case KindTransform:
		return "transform"
	}
	return "unknown"
}

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoData       = errors.New("no configuration data")
)

// OpError ties an error to its kind and the node, channel or field it concerns.
type OpError struct {
	Kind   ErrorKind
	Target string
	Err    error
}

func (e *OpError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Target, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Errorf builds an OpError with a formatted cause.
func Errorf(kind ErrorKind, target, format string, args ...any) error {
	return &OpError{Kind: kind, Target: target, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind and target to err. A nil err stays nil.
func Wrap(kind ErrorKind, target string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Kind: kind, Target: target, Err: err}
}

// KindOf extracts the kind from err, or 0 when err carries none.
func KindOf(err error) ErrorKind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, ErrNotConnected) {
		return KindConnection
	}
	return 0
}

// IsSkip reports whether err is a per-node or per-field condition that batch
// callers record and move past.
func IsSkip(err error) bool {
	switch KindOf(err) {
	case KindIdentity, KindMapping, KindTransform:
		return true
	}
	return false
}

// Outcome is the result of one unit of batch work.
type Outcome struct {
	Target   string `json:"target"`
	Category string `json:"category,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Report accumulates batch results. Batch operations never fail as a whole
// on partial errors; callers inspect the report.
type Report struct {
	Succeeded []Outcome `json:"succeeded"`
	Failed    []Outcome `json:"failed"`
}

func (r *Report) Ok(target, category string) {
	r.Succeeded = append(r.Succeeded, Outcome{Target: target, Category: category})
}

func (r *Report) Fail(target, category string, err error) {
	o := Outcome{Target: target, Category: category}
	if err != nil {
		o.Message = err.Error()
		if k := KindOf(err); k != 0 {
			o.Kind = k.String()
		}
	}
	r.Failed = append(r.Failed, o)
}

// Add records err as failure, or success when err is nil.
func (r *Report) Add(target, category string, err error) {
	if err != nil {
		r.Fail(target, category, err)
		return
	}
	r.Ok(target, category)
}

// Merge appends other's outcomes.
func (r *Report) Merge(other Report) {
	r.Succeeded = append(r.Succeeded, other.Succeeded...)
	r.Failed = append(r.Failed, other.Failed...)
}

func (r Report) Summary() string {
	return fmt.Sprintf("%d succeeded, %d failed", len(r.Succeeded), len(r.Failed))
}

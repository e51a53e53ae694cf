package resp

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ErrNil is returned by the Reply accessors when the reply is a null.
var ErrNil = errors.New("resp: nil reply")

// Reply is a parsed server reply.
// This is a low-level container: fields map directly to protocol elements and
// only the ones relevant to Kind are set.
type Reply struct {
	Kind Kind

	// Data holds the payload of simple strings, bulks, verbatim strings
	// (without the format prefix), big numbers and error messages.
	Data []byte

	// Integer is set for ':' replies.
	Integer int64

	// Double is set for ',' replies.
	Double float64

	// Boolean is set for '#' replies.
	Boolean bool

	// Format is the three letter encoding of a verbatim string, e.g. "txt".
	Format string

	// Elems holds the elements of arrays, sets and pushes.
	// For maps it holds the flattened key/value pairs: k0, v0, k1, v1, ...
	Elems []*Reply

	// Attrs holds the flattened key/value pairs of an attribute frame that
	// preceded this reply (RESP3 only).
	Attrs []*Reply

	// Null is true for RESP2 null bulk/array and for the RESP3 null.
	Null bool

	// Error is set for '-' and '!' replies. It is never a connection error.
	Error error
}

// HasError returns true if the reply is an error reply.
func (r *Reply) HasError() bool {
	return r.Error != nil
}

// IsNull returns true for null replies.
func (r *Reply) IsNull() bool {
	return r.Null
}

// IsOK returns true for the "+OK" status.
func (r *Reply) IsOK() bool {
	return r.Kind == KindSimpleString && string(r.Data) == StatusOK
}

// IsStatus returns true if the reply is the given simple string status.
func (r *Reply) IsStatus(status string) bool {
	return r.Kind == KindSimpleString && string(r.Data) == status
}

// IsAggregate returns true for arrays, maps, sets and pushes.
func (r *Reply) IsAggregate() bool {
	switch r.Kind {
	case KindArray, KindMap, KindSet, KindPush:
		return true
	}
	return false
}

func (r *Reply) check() error {
	if r.Error != nil {
		return r.Error
	}
	if r.Null {
		return ErrNil
	}
	return nil
}

// Text returns the reply as a string.
// Numeric replies are rendered in their canonical decimal form.
func (r *Reply) Text() (string, error) {
	if err := r.check(); err != nil {
		return "", err
	}
	switch r.Kind {
	case KindSimpleString, KindBulk, KindVerbatim, KindBigNumber:
		return string(r.Data), nil
	case KindInteger:
		return strconv.FormatInt(r.Integer, 10), nil
	case KindDouble:
		return string(Float(r.Double).Raw()), nil
	case KindBoolean:
		return strconv.FormatBool(r.Boolean), nil
	}
	return "", fmt.Errorf("resp: cannot convert %s reply to string", r.Kind)
}

// Bytes returns the payload of string-like replies.
func (r *Reply) Bytes() ([]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	switch r.Kind {
	case KindSimpleString, KindBulk, KindVerbatim, KindBigNumber:
		return r.Data, nil
	}
	s, err := r.Text()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Int returns the reply as an int64.
func (r *Reply) Int() (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	switch r.Kind {
	case KindInteger:
		return r.Integer, nil
	case KindBoolean:
		if r.Boolean {
			return 1, nil
		}
		return 0, nil
	case KindSimpleString, KindBulk, KindBigNumber:
		n, err := strconv.ParseInt(string(r.Data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("resp: invalid integer reply %q: %w", r.Data, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("resp: cannot convert %s reply to integer", r.Kind)
}

// Float returns the reply as a float64.
func (r *Reply) Float() (float64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	switch r.Kind {
	case KindDouble:
		return r.Double, nil
	case KindInteger:
		return float64(r.Integer), nil
	case KindSimpleString, KindBulk:
		f, err := strconv.ParseFloat(string(r.Data), 64)
		if err != nil {
			return 0, fmt.Errorf("resp: invalid float reply %q: %w", r.Data, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("resp: cannot convert %s reply to float", r.Kind)
}

// Bool returns the reply as a boolean. Integers are true when non-zero.
func (r *Reply) Bool() (bool, error) {
	if err := r.check(); err != nil {
		return false, err
	}
	switch r.Kind {
	case KindBoolean:
		return r.Boolean, nil
	case KindInteger:
		return r.Integer != 0, nil
	case KindSimpleString:
		return r.IsOK(), nil
	}
	return false, fmt.Errorf("resp: cannot convert %s reply to bool", r.Kind)
}

// BigInt returns a big number (or integer) reply as a big.Int.
func (r *Reply) BigInt() (*big.Int, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	switch r.Kind {
	case KindInteger:
		return big.NewInt(r.Integer), nil
	case KindBigNumber, KindBulk, KindSimpleString:
		n, ok := new(big.Int).SetString(string(r.Data), 10)
		if !ok {
			return nil, fmt.Errorf("resp: invalid big number reply %q", r.Data)
		}
		return n, nil
	}
	return nil, fmt.Errorf("resp: cannot convert %s reply to big number", r.Kind)
}

// String returns a human readable representation, for logs and debugging.
func (r *Reply) String() string {
	if r == nil {
		return "<nil>"
	}
	if r.Null {
		return "(nil)"
	}
	switch r.Kind {
	case KindError, KindBlobError:
		return "(error) " + string(r.Data)
	case KindVerbatim:
		return r.Format + ":" + string(r.Data)
	case KindArray, KindSet, KindPush, KindMap:
		parts := make([]string, len(r.Elems))
		for i, e := range r.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	s, err := r.Text()
	if err != nil {
		return fmt.Sprintf("(%s)", r.Kind)
	}
	return s
}

package dynamic

import (
	"fmt"
)

import (
	"github.com/timtadh/shmkv/alloc"
	"github.com/timtadh/shmkv/scoped"
)

// String is a growable string whose bytes live in a region. It is laid
// out exactly like a Buffer.
type String struct {
	seq
}

func StringAt(s scoped.Adapter, at alloc.Offset) String {
	return String{seq{s: s, at: at}}
}

// NewString allocates and builds a standalone String. Release it with
// Destroy.
func NewString(s scoped.Adapter, str string) (String, error) {
	at, err := s.New(HeaderSize, Ctor([]byte(str)))
	if err != nil {
		return String{}, err
	}
	return String{seq{s: s, at: at, owned: true}}, nil
}

func (str String) Value() (string, error) {
	bytes, err := str.Bytes()
	return string(bytes), err
}

func (str String) Swap(o String) error {
	return str.swap(o.seq)
}

func (str String) String() string {
	v, err := str.Value()
	if err != nil {
		return fmt.Sprintf("<string %v: %v>", str.at, err)
	}
	return v
}

package stm

// Vector is a fixed-length sequence of transactional cells. Each element is
// an independent Object, so transactions touching different indices never
// conflict.
type Vector[T any] struct {
	cells []Object[T]
}

// NewVector allocates n cells; init, when non-nil, provides the initial value
// of cell i.
func NewVector[T any](n int, init func(i int) T) *Vector[T] {
	v := &Vector[T]{cells: make([]Object[T], n)}
	for i := range v.cells {
		var x T
		if init != nil {
			x = init(i)
		}
		v.cells[i].Init(x)
	}
	return v
}

// Len returns the number of cells.
func (v *Vector[T]) Len() int { return len(v.cells) }

// At returns the i-th cell for direct use with Deref/TryLock.
func (v *Vector[T]) At(i int) *Object[T] { return &v.cells[i] }

// Get is At(i).Deref(tx).
func (v *Vector[T]) Get(tx *Txn, i int) (T, error) { return v.cells[i].Deref(tx) }

// Borrow is At(i).TryLock(tx).
func (v *Vector[T]) Borrow(tx *Txn, i int) (*T, error) { return v.cells[i].TryLock(tx) }

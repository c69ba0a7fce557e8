package export

// Window bounds how many pages may be dispatched but not yet released by the
// aggregator, which caps the aggregator's reorder buffer.
type Window struct {
	slots chan struct{}
}

// NewWindow creates a window of the given size (minimum 1).
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{slots: make(chan struct{}, size)}
}

// Acquire blocks until a page may be dispatched.
func (w *Window) Acquire() {
	w.slots <- struct{}{}
}

// Release frees the slot of a page that left the aggregator.
func (w *Window) Release() {
	<-w.slots
}

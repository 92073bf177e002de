package buffer

// Future is resolved once, when a blocker operation reaches the head of its
// queue. Callbacks registered with Then run synchronously on resolution, on
// the goroutine driving the queue.
type Future struct {
	op       *Operation
	done     chan struct{}
	resolved bool
	then     []func()
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Operation returns the blocker operation behind the future, nil for
// futures built by WhenAll.
func (f *Future) Operation() *Operation { return f.op }

// Resolved reports whether the future has resolved.
func (f *Future) Resolved() bool { return f.resolved }

// Done is closed on resolution.
func (f *Future) Done() <-chan struct{} { return f.done }

// Then runs fn on resolution, immediately if already resolved.
func (f *Future) Then(fn func()) {
	if f.resolved {
		fn()
		return
	}
	f.then = append(f.then, fn)
}

func (f *Future) resolve() {
	if f.resolved {
		return
	}
	f.resolved = true
	close(f.done)
	then := f.then
	f.then = nil
	for _, fn := range then {
		fn()
	}
}

// WhenAll resolves once every future in fs has resolved.
func WhenAll(fs ...*Future) *Future {
	all := newFuture()
	pending := len(fs)
	if pending == 0 {
		all.resolve()
		return all
	}
	for _, f := range fs {
		f.Then(func() {
			pending--
			if pending == 0 {
				all.resolve()
			}
		})
	}
	return all
}

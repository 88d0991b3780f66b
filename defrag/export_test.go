package defrag

// ContextWithMoves builds a Context preloaded with collected moves, letting
// pass-completion logic be tested without running a collection first.
func ContextWithMoves[T any](moves []Move[T]) *Context[T] {
	return &Context[T]{
		moves: moves,
	}
}

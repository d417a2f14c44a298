package shipping

// Result carries either a value or the error that prevented computing it.
// It is used where a failed lookup must not abort the caller but still has to
// be visible to it.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok wraps a successful value
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps an error
func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// IsOk reports whether the result holds a value
func (r Result[T]) IsOk() bool {
	return r.Err == nil
}

// Unwrap returns the value and error pair
func (r Result[T]) Unwrap() (T, error) {
	return r.Value, r.Err
}

// OrElse returns the value, or def when the result is an error
func (r Result[T]) OrElse(def T) T {
	if r.Err != nil {
		return def
	}
	return r.Value
}

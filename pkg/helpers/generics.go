package helpers

func Ptr[T any](value T) *T {
	return &value
}

func SafeValue[T any](value *T) T {
	if value == nil {
		return *new(T)
	}
	return *value
}

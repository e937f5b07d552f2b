package plugin

func appendUnique[T comparable](slice []T, item T) []T {
	for _, existing := range slice {
		if existing == item {
			return slice
		}
	}
	return append(slice, item)
}

func removeElement[T comparable](slice []T, item T) []T {
	for i, existing := range slice {
		if existing == item {
			return append(slice[:i], slice[i+1:]...)
		}
	}
	return slice
}

func contains[T comparable](slice []T, item T) bool {
	for _, existing := range slice {
		if existing == item {
			return true
		}
	}
	return false
}

// toError normalizes a recovered panic value.
func toError(r any) error {
	if err, ok := r.(error); ok {
		return &PanicError{Value: err}
	}
	return &PanicError{Value: r}
}

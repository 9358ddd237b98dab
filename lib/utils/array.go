package utils

func Contains[T comparable](arr []T, item T) bool {
	for _, i := range arr {
		if i == item {
			return true
		}
	}

	return false
}

// Duplicates reports whether arr holds the same value twice.
func Duplicates[T comparable](arr []T) bool {
	seen := make([]T, 0, len(arr))
	for _, i := range arr {
		if Contains(seen, i) {
			return true
		}
		seen = append(seen, i)
	}

	return false
}

package memutils

import (
	"github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~int64 | ~uint64 | ~uint32
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

// DivideRoundingUp divides numerator by denominator, rounding any remainder up
func DivideRoundingUp[T Number](numerator T, denominator T) T {
	return (numerator + denominator - 1) / denominator
}

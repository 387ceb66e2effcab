package guard

import "errors"

var ErrInvalidConfig = errors.New("invalid guard configuration")

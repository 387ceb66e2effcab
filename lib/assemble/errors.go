package assemble

import "errors"

var ErrInvalidConfig = errors.New("invalid assembler configuration")

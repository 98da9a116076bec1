// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package wgkey

import "errors"

// ErrMalformed is returned for invalid key bytes, bad base64, or an
// otherwise unparsable key. It corresponds to the Malformed error
// category shared across this subsystem.
var ErrMalformed = errors.New("malformed key")

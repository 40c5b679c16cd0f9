// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"errors"
	"net"
	"net/http"
)

// StatusCoder is implemented by errors carrying an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// QuotaHinter is implemented by errors that can tell a quota-exhaustion
// 403 apart from a permission 403. Google APIs report both as 403 and
// disambiguate via a reason string.
type QuotaHinter interface {
	QuotaExceeded() bool
}

// Transient reports whether err is worth retrying:
//
//   - HTTP 429 and any 5xx
//   - HTTP 403 quota-exceeded variants
//   - network-level failures (timeout, connection reset, DNS)
//
// HTTP 401, plain 403, and 404 are permanent for a given request and are
// never retried.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == http.StatusTooManyRequests:
			return true
		case status >= 500:
			return true
		case status == http.StatusForbidden:
			var qh QuotaHinter
			return errors.As(err, &qh) && qh.QuotaExceeded()
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ipc

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultDialRetries = 10
)

type options struct {
	backOff     backoff.BackOff
	dialTimeout time.Duration
}

// Option configures Dial.
type Option func(*options)

// WithBackOff sets the retry policy used while the socket is not accepting yet.
func WithBackOff(b backoff.BackOff) Option {
	return func(o *options) {
		o.backOff = b
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

func defaultOptions() *options {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = time.Second
	return &options{
		backOff:     backoff.WithMaxRetries(eb, defaultDialRetries),
		dialTimeout: defaultDialTimeout,
	}
}

// Copyright The Remus Project Authors. All Rights Reserved.
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

package log

import (
	"time"

	"golang.org/x/time/rate"
)

// Rate specifies maximum per-Logger message rates.
type Rate struct {
	// Limit is the sustained allowed rate of messages.
	Limit rate.Limit
	// Burst is the maximum allowed burst of messages.
	Burst int
}

// MessagesPerSecond returns a Rate of count messages per second.
func MessagesPerSecond(count int) Rate {
	return Rate{Limit: rate.Limit(count), Burst: count}
}

// MinimumInterval returns a Rate of one message per the given interval.
func MinimumInterval(interval time.Duration) Rate {
	return Rate{Limit: rate.Every(interval), Burst: 1}
}

// ratelimited is a Logger which suppresses messages above its allowed rate.
// Fatal and Panic messages are never suppressed.
type ratelimited struct {
	Logger
	limiter *rate.Limiter
}

// RateLimit returns a rate-limited version of the given Logger.
func RateLimit(l Logger, r Rate) Logger {
	return &ratelimited{
		Logger:  l,
		limiter: rate.NewLimiter(r.Limit, r.Burst),
	}
}

func (r *ratelimited) Debug(format string, args ...interface{}) {
	if !r.DebugEnabled() || !r.limiter.Allow() {
		return
	}
	r.Logger.Debug(format, args...)
}

func (r *ratelimited) Info(format string, args ...interface{}) {
	if !r.limiter.Allow() {
		return
	}
	r.Logger.Info(format, args...)
}

func (r *ratelimited) Warn(format string, args ...interface{}) {
	if !r.limiter.Allow() {
		return
	}
	r.Logger.Warn(format, args...)
}

func (r *ratelimited) Error(format string, args ...interface{}) {
	if !r.limiter.Allow() {
		return
	}
	r.Logger.Error(format, args...)
}

func (r *ratelimited) Debugf(format string, args ...interface{}) { r.Debug(format, args...) }
func (r *ratelimited) Infof(format string, args ...interface{})  { r.Info(format, args...) }
func (r *ratelimited) Warnf(format string, args ...interface{})  { r.Warn(format, args...) }
func (r *ratelimited) Errorf(format string, args ...interface{}) { r.Error(format, args...) }

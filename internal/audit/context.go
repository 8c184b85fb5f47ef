// Copyright 2026 The TrustGate Authors
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

package audit

import "context"

type requestInfoKey struct{}

// RequestInfo is request-scoped identity attached to audit and domain
// events. The HTTP middleware stores it once per request; loggers and
// event producers read it back instead of threading three extra
// parameters through every service call. IPHash is the digest of the
// client address, never the address itself.
type RequestInfo struct {
	RequestID string
	IPHash    string
	UserAgent string
}

// NewContext returns a context carrying info.
func NewContext(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// FromContext extracts the request info. Absent info yields the zero
// value, which stamping treats as "nothing to add".
func FromContext(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// stamp fills the request-scoped fields of an event from the context
// unless the producer set them explicitly.
func (e *Event) stamp(ctx context.Context) {
	info := FromContext(ctx)
	if e.RequestID == "" {
		e.RequestID = info.RequestID
	}
	if e.IPHash == "" {
		e.IPHash = info.IPHash
	}
	if e.UserAgent == "" {
		e.UserAgent = info.UserAgent
	}
}

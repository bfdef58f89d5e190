// Copyright 2024 The Megaphone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package operator

import "fmt"

// reconcileError buckets a reconcile failure so logs and alerts can group
// by cause rather than by message.
type reconcileError struct {
	bucket string
	err    error
}

func (e *reconcileError) Error() string {
	return fmt.Sprintf("%s: %s", e.bucket, e.err)
}

func (e *reconcileError) Unwrap() error { return e.err }

func podCreationFailed(err error) error {
	return &reconcileError{bucket: "PodCreationFailed", err: err}
}

func podDeletionFailed(err error) error {
	return &reconcileError{bucket: "PodDeletionFailed", err: err}
}

func missingObjectKey(key string) error {
	return &reconcileError{bucket: "MissingObjectKey", err: fmt.Errorf("no value for key %q", key)}
}

func finalizerError(err error) error {
	return &reconcileError{bucket: "FinalizerError", err: err}
}

func internalError(err error) error {
	return &reconcileError{bucket: "Internal", err: err}
}

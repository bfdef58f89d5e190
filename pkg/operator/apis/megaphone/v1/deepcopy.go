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

package v1

import (
	"k8s.io/apimachinery/pkg/runtime"
)

// DeepCopyInto copies the receiver into out.
func (in *Megaphone) DeepCopyInto(out *Megaphone) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy returns a deep copy of the receiver.
func (in *Megaphone) DeepCopy() *Megaphone {
	if in == nil {
		return nil
	}
	out := new(Megaphone)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *Megaphone) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver into out.
func (in *MegaphoneList) DeepCopyInto(out *MegaphoneList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		items := make([]Megaphone, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&items[i])
		}
		out.Items = items
	}
}

// DeepCopy returns a deep copy of the receiver.
func (in *MegaphoneList) DeepCopy() *MegaphoneList {
	if in == nil {
		return nil
	}
	out := new(MegaphoneList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *MegaphoneList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver into out.
func (in *MegaphoneSpec) DeepCopyInto(out *MegaphoneSpec) {
	*out = *in
	in.Resources.DeepCopyInto(&out.Resources)
}

// DeepCopy returns a deep copy of the receiver.
func (in *MegaphoneSpec) DeepCopy() *MegaphoneSpec {
	if in == nil {
		return nil
	}
	out := new(MegaphoneSpec)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies the receiver into out.
func (in *MegaphoneStatus) DeepCopyInto(out *MegaphoneStatus) {
	*out = *in
	if in.Pods != nil {
		out.Pods = make([]string, len(in.Pods))
		copy(out.Pods, in.Pods)
	}
	if in.Services != nil {
		out.Services = make([]string, len(in.Services))
		copy(out.Services, in.Services)
	}
	if in.UpgradeSpec != nil {
		out.UpgradeSpec = in.UpgradeSpec.DeepCopy()
	}
}

// DeepCopy returns a deep copy of the receiver.
func (in *MegaphoneStatus) DeepCopy() *MegaphoneStatus {
	if in == nil {
		return nil
	}
	out := new(MegaphoneStatus)
	in.DeepCopyInto(out)
	return out
}

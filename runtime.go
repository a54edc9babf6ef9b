// Copyright 2025 The Probekit Authors
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

package linear

import "unsafe"

// hashFn is the signature of the hash functions stored in the Go
// runtime's type descriptors: it hashes the memory the pointer refers to,
// mixed with the per-table seed.
type hashFn func(unsafe.Pointer, uintptr) uintptr

// getRuntimeHasher returns the hash function the runtime itself uses for
// map[K]struct{}, extracted by reaching into the type descriptor behind
// an instance of that map type. This might break in a future version of
// Go, but is likely fixable unless the runtime does something drastic.
func getRuntimeHasher[K comparable]() hashFn {
	a := any(make(map[K]struct{}))
	return (*rtEface)(unsafe.Pointer(&a)).typ.Hasher
}

// rtEface mirrors runtime.eface.
type rtEface struct {
	typ  *rtMapType
	data unsafe.Pointer
}

// rtMapType mirrors internal/abi.MapType.
type rtMapType struct {
	rtType
	Key    *rtType
	Elem   *rtType
	Bucket *rtType
	// Hasher is the hash function for keys of this map type.
	Hasher     func(unsafe.Pointer, uintptr) uintptr
	KeySize    uint8
	ValueSize  uint8
	BucketSize uint16
	Flags      uint32
}

type rtNameOff int32
type rtTypeOff int32
type rtTFlag uint8

// rtType mirrors internal/abi.Type.
type rtType struct {
	Size_       uintptr
	PtrBytes    uintptr
	Hash        uint32
	TFlag       rtTFlag
	Align_      uint8
	FieldAlign_ uint8
	Kind_       uint8
	Equal       func(unsafe.Pointer, unsafe.Pointer) bool
	GCData      *byte
	Str         rtNameOff
	PtrToThis   rtTypeOff
}

// noescape hides a pointer from escape analysis. noescape is the identity
// function but escape analysis doesn't think the output depends on the
// input. noescape is inlined and currently compiles down to zero
// instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

// unsafeConvertSlice reinterprets the backing store of s as a []Dest. The
// caller is responsible for ensuring the two element types have identical
// layout.
func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}

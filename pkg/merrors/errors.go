/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package merrors is the error-kind taxonomy shared by every component
// of the control plane. It does not replace Go's error wrapping; a
// *Error is a normal error that additionally carries a Kind and a
// stable scrape-friendly code.
package merrors

import "fmt"

// Kind classifies why an operation failed, independent of the Go type
// that carries it.
type Kind string

const (
	KindInvalidInput      Kind = "InvalidInput"
	KindInvalidParameter  Kind = "InvalidParameter"
	KindNotFound          Kind = "NotFound"
	KindUnavailable       Kind = "Unavailable"
	KindCallError         Kind = "CallError"
	KindOperationRepeat   Kind = "OperationRepeat"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindException         Kind = "Exception"
)

// severity is the single letter that appears in the error code.
func (k Kind) severity() string {
	switch k {
	case KindInvalidInput, KindInvalidParameter, KindNotFound, KindUnavailable:
		return "W"
	case KindCallError, KindException:
		return "E"
	default:
		return "C"
	}
}

// Module and Feature identify where within the control plane an error
// originated, for the MIE03 code. Each is a 2-hex-digit tag.
type Module string

const (
	ModuleNodeStore  Module = "01"
	ModuleScheduling Module = "02"
	ModuleScheduler  Module = "03"
	ModuleGroup      Module = "04"
	ModuleCrossNode  Module = "05"
	ModuleRegistry   Module = "06"
	ModuleConfig     Module = "07"
	ModuleStatusFile Module = "08"
)

// Error is a control-plane error carrying a Kind and a stable code.
type Error struct {
	Kind    Kind
	Module  Module
	Feature string // 2 hex digits, e.g. "01"
	Type    string // 2 hex digits, e.g. "01"
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code(), e.Msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code(), e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code renders the stable MIE03<W|E|C><module><feature><type> string
// log-scraping tooling classifies failures by.
func (e *Error) Code() string {
	return fmt.Sprintf("MIE03%s%s%s%s", e.Kind.severity(), e.Module, e.Feature, e.Type)
}

// New builds an *Error. feature and typ must each be exactly 2 hex
// characters; callers within this module pass literals so this never
// needs to be validated at runtime.
func New(kind Kind, module Module, feature, typ, msg string) *Error {
	return &Error{Kind: kind, Module: module, Feature: feature, Type: typ, Msg: msg}
}

// Wrap is New with an underlying cause attached.
func Wrap(kind Kind, module Module, feature, typ string, err error, msg string) *Error {
	return &Error{Kind: kind, Module: module, Feature: feature, Type: typ, Msg: msg, Err: err}
}

// Is reports whether err (or something it wraps) is a *Error of the
// given Kind.
func Is(err error, kind Kind) bool {
	var merr *Error
	if !As(err, &merr) {
		return false
	}
	return merr.Kind == kind
}

// As is a thin convenience wrapper so callers don't need to import
// errors directly just to unwrap a *Error.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

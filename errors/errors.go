// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors defines the error handling used by all SecFS software.
package errors // import "secfs.io/errors"

import (
	"bytes"
	"fmt"
	"runtime"

	"secfs.io/log"
	"secfs.io/secfs"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of different type.
// An Error value may leave some values unset.
type Error struct {
	// ID is the object being accessed or modified.
	ID secfs.ObjectID
	// Principal is the user or group on whose behalf the operation ran.
	Principal secfs.Principal
	// Op is the operation being performed, usually the name of the method
	// being invoked (Resolve, Modify, etc.).
	Op Op
	// Kind is the class of error, such as permission failure,
	// or "Other" if its class is unknown or irrelevant.
	Kind Kind
	// The underlying error that triggered this one, if any.
	Err error

	// Stack information; used only when the 'debug' build tag is set.
	stack
}

func (e *Error) isZero() bool {
	return !e.ID.Principal.Valid() && !e.Principal.Valid() && e.Op == "" && e.Kind == 0 && e.Err == nil
}

var _ error = (*Error)(nil)

// Op describes an operation, usually as the package and method,
// such as "itable.Modify".
type Op string

// Separator is the string used to separate nested errors. By
// default, to make errors easier on the eye, nested errors are
// indented on a new line. A server may instead choose to keep each
// error on a single line by modifying the separator string, perhaps
// to ":: ".
var Separator = ":\n\t"

// Kind defines the kind of error this is.
type Kind uint8

// Kinds of errors.
//
// The values of the error kinds are common between both
// clients and servers. Do not reorder this list or remove
// any items since that will change their values.
// New items must be added only to the end.
const (
	Other            Kind = iota // Unclassified error. This value is not printed in the error message.
	Invalid                      // Invalid operation for this type of item.
	Permission                   // Permission denied.
	IO                           // External I/O error such as network failure.
	Exist                        // Item already exists.
	NotExist                     // Item does not exist.
	IsDir                        // Item is a directory.
	NotDir                       // Item is not a directory.
	NotAllocated                 // Object id has no slot yet.
	MissingSlot                  // Itable has no entry for the slot.
	InvalidSlot                  // Slot named by a modification does not exist.
	CorruptTable                 // Itable violates the user/group invariant.
	Integrity                    // Hash, signature or version chain mismatch.
	UnknownPrincipal             // No itable is known for the principal.
	TypeMismatch                 // Malformed principal or object id.
	InvalidActor                 // Only users may modify itables.
	Conflict                     // Version log head moved underneath the writer.
	Internal                     // Internal error or inconsistency.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case Invalid:
		return "invalid operation"
	case Permission:
		return "permission denied"
	case IO:
		return "I/O error"
	case Exist:
		return "item already exists"
	case NotExist:
		return "item does not exist"
	case IsDir:
		return "item is a directory"
	case NotDir:
		return "item is not a directory"
	case NotAllocated:
		return "object id not allocated"
	case MissingSlot:
		return "no such itable slot"
	case InvalidSlot:
		return "invalid itable slot"
	case CorruptTable:
		return "corrupt itable"
	case Integrity:
		return "integrity violation"
	case UnknownPrincipal:
		return "unknown principal"
	case TypeMismatch:
		return "type mismatch"
	case InvalidActor:
		return "actor is not a user"
	case Conflict:
		return "version conflict"
	case Internal:
		return "internal error"
	}
	return "unknown error kind"
}

// E builds an error value from its arguments.
// There must be at least one argument or E panics.
// The type of each argument determines its meaning.
// If more than one argument of a given type is presented,
// only the last one is recorded.
//
// The types are:
//	secfs.ObjectID
//		The object being accessed.
//	secfs.Principal, secfs.UserID, secfs.GroupID
//		The principal on whose behalf the operation ran.
//	errors.Op
//		The operation being performed, usually the method
//		being invoked (Resolve, Modify, etc.).
//	string
//		Treated as an error message and assigned to the
//		Err field after a call to errors.Str. To avoid a common
//		class of misuse, if the string contains an @, it will be
//		treated as a format string and passed to errors.Errorf.
//	errors.Kind
//		The class of error, such as permission failure.
//	error
//		The underlying error that triggered this one.
//
// If the error is printed, only those items that have been
// set to non-zero values will appear in the result.
//
// If Kind is not specified or Other, we set it to the Kind of
// the underlying error.
//
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case secfs.ObjectID:
			e.ID = arg
		case secfs.Principal:
			e.Principal = arg
		case secfs.UserID:
			e.Principal = arg.Principal()
		case secfs.GroupID:
			e.Principal = arg.Principal()
		case Op:
			e.Op = arg
		case string:
			e.Err = Str(arg)
		case Kind:
			e.Kind = arg
		case *Error:
			// Make a copy
			copy := *arg
			e.Err = &copy
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Printf("errors.E: bad call from %s:%d: %v", file, line, args)
			return Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}

	// Populate stack information (only in debug mode).
	e.populateStack()

	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}

	// The previous error was also one of ours. Suppress duplications
	// so the message won't contain the same kind, object or principal
	// twice.
	if prev.ID == e.ID {
		prev.ID = secfs.ObjectID{}
	}
	if prev.Principal == e.Principal {
		prev.Principal = secfs.Principal{}
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	// If this error has Kind unset or Other, pull up the inner one.
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	return e
}

// pad appends str to the buffer if the buffer already has some data.
func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	e.printStack(b)
	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(string(e.Op))
	}
	if e.ID.Principal.Valid() {
		pad(b, ": ")
		b.WriteString(e.ID.String())
	}
	if e.Principal.Valid() {
		if e.ID.Principal.Valid() {
			b.WriteString(", ")
		} else {
			pad(b, ": ")
		}
		b.WriteString("as ")
		b.WriteString(e.Principal.String())
	}
	if e.Kind != 0 {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		// Indent on new line if we are cascading non-empty SecFS errors.
		if prevErr, ok := e.Err.(*Error); ok {
			if !prevErr.isZero() {
				pad(b, Separator)
				b.WriteString(e.Err.Error())
			}
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Unwrap returns the underlying error, so the standard library's
// errors.Is and errors.As see through an *Error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Recreate the errors.New functionality of the standard Go errors package
// so we can create simple text errors when needed.

// Str returns an error that formats as the given text. It is intended to
// be used as the error-typed argument to the E function.
func Str(text string) error {
	return &errorString{text}
}

// errorString is a trivial implementation of error.
type errorString struct {
	s string
}

func (e *errorString) Error() string {
	return e.s
}

// Errorf is equivalent to fmt.Errorf, but allows clients to import only this
// package for all error handling.
func Errorf(format string, args ...interface{}) error {
	return &errorString{fmt.Sprintf(format, args...)}
}

// Match compares its two error arguments. It can be used to check
// for expected errors in tests. Both arguments must have underlying
// type *Error or Match will return false. Otherwise it returns true
// iff every non-zero element of the first error is equal to the
// corresponding element of the second.
// If the Err field is a *Error, Match recurs on that field;
// otherwise it compares the strings returned by the Error methods.
// Elements that are in the second argument but not present in
// the first are ignored.
//
// For example,
//	Match(errors.E(secfs.UserID(1), errors.Permission), err)
// tests whether err is an Error with Kind=Permission and Principal=user:1.
func Match(err1, err2 error) bool {
	e1, ok := err1.(*Error)
	if !ok {
		return false
	}
	e2, ok := err2.(*Error)
	if !ok {
		return false
	}
	if e1.ID.Principal.Valid() && e2.ID != e1.ID {
		return false
	}
	if e1.Principal.Valid() && e2.Principal != e1.Principal {
		return false
	}
	if e1.Op != "" && e2.Op != e1.Op {
		return false
	}
	if e1.Kind != Other && e2.Kind != e1.Kind {
		return false
	}
	if e1.Err != nil {
		if _, ok := e1.Err.(*Error); ok {
			return Match(e1.Err, e2.Err)
		}
		if e2.Err == nil || e2.Err.Error() != e1.Err.Error() {
			return false
		}
	}
	return true
}

// Is reports whether err is an *Error of the given Kind.
// If err is nil then Is returns false.
func Is(kind Kind, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		return Is(kind, e.Err)
	}
	return false
}

// Copyright 2026 The SecFS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package secfs contains global interfaces and other definitions for the
components of the system.

SecFS is a shared file system whose data lives on an untrusted,
content-addressed block server. The server is trusted only to store blocks
and to keep them available; clients enforce confidentiality, integrity and
access control themselves.

Every file system object is named by an ObjectID, a pair of a Principal
(a user or a group) and a number. The number indexes that principal's
itable, a table that maps numbers to content: for a user, the hash of an
inode block; for a group, the ObjectID of some member's object. Group
slots therefore add exactly one level of indirection, which lets any
member of a group become the current writer of a group-owned file
without holding a group key.

Each change to an itable is published as a signed version structure that
links the new table's hash to the previous one, so a server that forges,
reorders or rolls back a principal's updates is detected by every client
that has seen the earlier state.
*/
package secfs // import "secfs.io/secfs"

// Package odb is a content-addressed object store. Objects are immutable
// files named by the CID of their digest; annotated tags are objects that
// point at other objects and can be peeled down to the object they
// ultimately designate.
package odb

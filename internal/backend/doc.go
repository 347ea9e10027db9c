// Package backend defines the encode engine interface shared by the standard,
// software and native backends, the factory that builds one engine per export,
// and the capability probe that decides which engines are available.
package backend

// Package handle parses user@domain messaging handles.
package handle

import (
	"errors"
	"strings"
)

var ErrMalformedHandle = errors.New("malformed handle")

// Parse splits a handle into its local part and domain. The split happens at
// the first '@' so local parts can never smuggle a separator; both sides must
// be non-empty.
func Parse(handle string) (localPart, domain string, err error) {
	localPart, domain, found := strings.Cut(handle, "@")
	if !found || localPart == "" || domain == "" {
		return "", "", ErrMalformedHandle
	}
	return localPart, domain, nil
}

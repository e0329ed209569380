// Package address maps addresses between the virtual scheme callers use
// and the real scheme they are fetched over.
package address

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"intercept-relay/internal/config"
)

// ErrMalformedAddress is wrapped by every *Error.
var ErrMalformedAddress = errors.New("malformed address")

// Error reports an address that cannot be split into components.
type Error struct {
	Address string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("address %q: %s: %v", e.Address, e.Reason, e.Err)
	}
	return fmt.Sprintf("address %q: %s", e.Address, e.Reason)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformedAddress, e.Err}
	}
	return []error{ErrMalformedAddress}
}

// Translator swaps the scheme of an address and leaves every other
// component byte-for-byte untouched. It holds no mutable state.
type Translator struct {
	virtual string
	real    string
}

// NewTranslator creates a Translator for the configured scheme pair.
func NewTranslator(cfg *config.Config) *Translator {
	return &Translator{
		virtual: strings.ToLower(cfg.Scheme.Virtual),
		real:    strings.ToLower(cfg.Scheme.Real),
	}
}

// VirtualScheme returns the scheme callers issue requests against.
func (t *Translator) VirtualScheme() string { return t.virtual }

// RealScheme returns the scheme requests are fetched over.
func (t *Translator) RealScheme() string { return t.real }

// ToReal rewrites a virtual address to its real address.
func (t *Translator) ToReal(virtualAddress string) (string, error) {
	return swapScheme(virtualAddress, t.real)
}

// ToVirtual rewrites a real address to its virtual address.
func (t *Translator) ToVirtual(realAddress string) (string, error) {
	return swapScheme(realAddress, t.virtual)
}

// swapScheme validates addr and replaces its scheme text with scheme.
// The remainder of the string is spliced in as-is rather than re-rendered
// through url.URL.String, so escaping and ordering survive unchanged.
func swapScheme(addr, scheme string) (string, error) {
	u, err := Parse(addr)
	if err != nil {
		return "", err
	}
	return scheme + addr[len(u.Scheme):], nil
}

// Parse splits addr into components. It accepts only absolute,
// hierarchical addresses with a host, which is what both schemes carry.
func Parse(addr string) (*url.URL, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, &Error{Address: addr, Reason: "parse", Err: err}
	}
	switch {
	case u.Scheme == "":
		return nil, &Error{Address: addr, Reason: "missing scheme"}
	case u.Opaque != "":
		return nil, &Error{Address: addr, Reason: "not hierarchical"}
	case u.Host == "":
		return nil, &Error{Address: addr, Reason: "missing host"}
	}
	// url.Parse lower-cases the scheme; the splice in swapScheme relies on
	// the original text having the same length.
	if !strings.EqualFold(addr[:len(u.Scheme)], u.Scheme) {
		return nil, &Error{Address: addr, Reason: "unexpected scheme prefix"}
	}
	return u, nil
}

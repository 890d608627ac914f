package relay

import (
	"fmt"
	"strings"
)

// AddressSeparator splits the user and session components of a targeted
// address ("user:session"). A bare "user" addresses the broadcast mailbox.
const AddressSeparator = ":"

// reservedNameChars are characters with structural meaning to at least one
// backend's routing scheme: subject hierarchy and wildcards on the broker
// side, path separators on the filesystem side. They are rejected in both
// address components before any I/O happens.
const reservedNameChars = ".*>/\\"

// ParseAddress splits a human-entered address into its user and session
// components. A leading "@" and surrounding whitespace are stripped. The
// session component is empty for a broadcast address; an address that ends
// in the separator ("kai:") is a parse error, not a broadcast.
func ParseAddress(raw string) (user, session string, err error) {
	addr := strings.TrimSpace(raw)
	addr = strings.TrimPrefix(addr, "@")
	if addr == "" {
		return "", "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	user = addr
	if idx := strings.Index(addr, AddressSeparator); idx >= 0 {
		user = addr[:idx]
		session = addr[idx+1:]
		if session == "" {
			return "", "", fmt.Errorf("%w: %q has an empty session component", ErrInvalidAddress, raw)
		}
	}
	if user == "" {
		return "", "", fmt.Errorf("%w: %q has an empty user component", ErrInvalidAddress, raw)
	}
	return user, session, nil
}

// ValidateName checks one address component (username or session id)
// against the reserved routing characters of both backends.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidAddress)
	}
	if strings.ContainsAny(name, reservedNameChars) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q contains a reserved routing character", ErrInvalidAddress, name)
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidAddress, name)
	}
	return nil
}

// ValidateAddress parses and validates a full mailbox address, returning
// its components.
func ValidateAddress(raw string) (user, session string, err error) {
	user, session, err = ParseAddress(raw)
	if err != nil {
		return "", "", err
	}
	if err := ValidateName(user); err != nil {
		return "", "", err
	}
	if session != "" {
		if err := ValidateName(session); err != nil {
			return "", "", err
		}
	}
	return user, session, nil
}

// JoinAddress builds the canonical string form of an address. An empty
// session yields the broadcast address.
func JoinAddress(user, session string) string {
	if session == "" {
		return user
	}
	return user + AddressSeparator + session
}

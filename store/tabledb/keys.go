package tabledb

import "bytes"

// Key is a compound row key: parts joined by a null separator. Parts must
// not contain a null byte.
type Key []byte

// MakeKey joins parts into a compound key.
func MakeKey(parts ...string) Key {
	n := len(parts)
	for _, p := range parts {
		n += len(p)
	}
	if n > 0 {
		n--
	}
	k := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			k = append(k, 0)
		}
		k = append(k, p...)
	}
	return k
}

// Prefix returns the key prefix matching every key that starts with parts.
func Prefix(parts ...string) Key {
	return append(MakeKey(parts...), 0)
}

// Parts splits a compound key back into its parts.
func (k Key) Parts() []string {
	raw := bytes.Split(k, []byte{0})
	parts := make([]string, len(raw))
	for i, p := range raw {
		parts[i] = string(p)
	}
	return parts
}

// String renders the key with "/" in place of the separator.
func (k Key) String() string {
	return string(bytes.ReplaceAll(k, []byte{0}, []byte{'/'}))
}

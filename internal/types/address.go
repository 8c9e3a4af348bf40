package types

// base58Set is the Bitcoin-style Base58 alphabet used by SS58 addresses: no
// 0, O, I or l.
var base58Set = func() [256]bool {
	var set [256]bool
	for _, c := range []byte("123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz") {
		set[c] = true
	}
	return set
}()

// IsAddress reports whether s has the shape of an SS58 account address:
// 47 or 48 Base58 characters. A shape check, not a checksum verification.
func IsAddress(s string) bool {
	if len(s) != 47 && len(s) != 48 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !base58Set[s[i]] {
			return false
		}
	}
	return true
}
